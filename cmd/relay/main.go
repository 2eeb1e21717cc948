package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ewancrowle/plgboost/internal/config"
	"github.com/ewancrowle/plgboost/internal/relay/api"
	"github.com/ewancrowle/plgboost/internal/relay/forwarder"
	"github.com/ewancrowle/plgboost/internal/relay/metrics"
	"github.com/ewancrowle/plgboost/internal/relay/session"
	"github.com/ewancrowle/plgboost/internal/relay/sockopt"
	"github.com/ewancrowle/plgboost/internal/relay/syncbus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "plgboost-relay"
	app.Usage = "PLG protocol relay server"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "relay-port", Usage: "override RELAY_PORT"},
		cli.IntFlag{Name: "api-port", Usage: "override RELAY_API_PORT"},
		cli.StringFlag{Name: "api-key", Usage: "override RELAY_API_KEY"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("relay: %v", err)
	}
}

func run(c *cli.Context) error {
	if v := c.Int("relay-port"); v != 0 {
		os.Setenv("RELAY_PORT", strconv.Itoa(v))
	}
	if v := c.Int("api-port"); v != 0 {
		os.Setenv("RELAY_API_PORT", strconv.Itoa(v))
	}
	if v := c.String("api-key"); v != "" {
		os.Setenv("RELAY_API_KEY", v)
	}

	cfg, err := config.LoadRelayConfig()
	if err != nil {
		log.Fatalf("relay: failed to load configuration: %v", err)
	}

	mainConn, err := sockopt.ListenUDP(context.Background(), &net.UDPAddr{IP: net.IPv4zero, Port: cfg.RelayPort}, cfg.SocketBufferSize)
	if err != nil {
		log.Fatalf("relay: failed to bind main socket on port %d: %v", cfg.RelayPort, err)
	}

	reg := metrics.New()
	cache := session.NewCache(cfg.MaxSessions, reg)
	bus := syncbus.New(cfg.Redis.Enabled, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if bus != nil {
		go bus.Subscribe(ctx)
	}

	go cache.RunReaper(ctx, cfg.ReapInterval(), cfg.SessionTimeoutDuration())

	fwd := forwarder.New(mainConn, cache, reg)
	go func() {
		if err := fwd.Run(ctx); err != nil {
			log.Fatalf("relay: forwarder error: %v", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	go func() {
		log.Printf("relay: metrics listening on :%d", cfg.MetricsPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), metricsMux); err != nil {
			log.Printf("relay: metrics server error: %v", err)
		}
	}()

	adminServer := api.New(api.Config{
		Cache:       cache,
		MainConn:    mainConn,
		Metrics:     reg,
		Bus:         bus,
		APIKey:      cfg.APIKey,
		Port:        cfg.APIPort,
		LogRequests: cfg.LogRequests,
	})
	go func() {
		log.Printf("relay: admission API listening on :%d", cfg.APIPort)
		if err := adminServer.Start(); err != nil {
			log.Fatalf("relay: admission API error: %v", err)
		}
	}()

	log.Printf("relay: main socket listening on :%d", cfg.RelayPort)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("relay: shutting down")
	cancel()
	return nil
}
