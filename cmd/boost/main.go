package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ewancrowle/plgboost/internal/client/adminclient"
	"github.com/ewancrowle/plgboost/internal/client/capture"
	"github.com/ewancrowle/plgboost/internal/client/transport"
	"github.com/ewancrowle/plgboost/internal/config"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "plgboost"
	app.Usage = "PLG protocol client interceptor"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "mode", Usage: "force \"proxy\" or \"capture\" (overrides config force_mode)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("boost: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("boost: failed to load configuration: %v", err)
	}
	if v := c.String("mode"); v != "" {
		cfg.ForceMode = v
	}

	sessionToken, err := newSessionToken()
	if err != nil {
		log.Fatalf("boost: failed to generate session token: %v", err)
	}

	admin := adminclient.New(cfg.AdminAddr, cfg.APIKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := admin.Register(ctx, sessionToken, cfg.GameServerIPs, cfg.GamePorts); err != nil {
		log.Fatalf("boost: failed to register session with relay: %v", err)
	}
	defer func() {
		unregisterCtx, unregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregisterCancel()
		if err := admin.Unregister(unregisterCtx, sessionToken); err != nil {
			log.Printf("boost: failed to unregister session: %v", err)
		}
	}()

	relayAddr, err := net.ResolveUDPAddr("udp", cfg.RelayAddr)
	if err != nil {
		log.Fatalf("boost: invalid relay address %q: %v", cfg.RelayAddr, err)
	}
	var backupRelayAddr *net.UDPAddr
	if cfg.BackupRelayAddr != "" {
		backupRelayAddr, err = net.ResolveUDPAddr("udp", cfg.BackupRelayAddr)
		if err != nil {
			log.Fatalf("boost: invalid backup relay address %q: %v", cfg.BackupRelayAddr, err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if cfg.ForceMode != "proxy" {
		proxy, err := capture.Start(ctx, sessionToken, relayAddr, backupRelayAddr, cfg.GameServerIPs, cfg.GamePorts, cfg.Multipath)
		if err == nil {
			log.Println("boost: running in kernel-capture mode")
			<-stop
			log.Println("boost: shutting down")
			proxy.Stop()
			cancel()
			return nil
		}
		if cfg.ForceMode == "capture" {
			log.Fatalf("boost: capture mode forced but unavailable: %v", err)
		}
		log.Printf("boost: kernel-capture mode unavailable (%v), falling back to localhost proxy", err)
	}

	gameTarget := firstGameTarget(cfg.GameServerIPs, cfg.GamePorts)
	tr, err := transport.StartLocalProxy(ctx, sessionToken, relayAddr, backupRelayAddr, gameTarget, cfg.LocalPort, cfg.Multipath)
	if err != nil {
		log.Fatalf("boost: failed to start localhost proxy: %v", err)
	}
	log.Printf("boost: running in localhost-proxy mode on 127.0.0.1:%d", tr.LocalPort())

	<-stop
	log.Println("boost: shutting down")
	tr.Stop()
	cancel()
	return nil
}

func newSessionToken() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// firstGameTarget picks the control-packet target the interceptor
// announces to the relay before any real traffic is seen, matching the
// original's "first configured server/port" convention for an
// as-yet-unconnected game client.
func firstGameTarget(ips, ports []string) string {
	if len(ips) == 0 || len(ports) == 0 {
		return ""
	}
	return net.JoinHostPort(ips[0], firstPort(ports[0]))
}

func firstPort(spec string) string {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '-' {
			return spec[:i]
		}
	}
	return spec
}
