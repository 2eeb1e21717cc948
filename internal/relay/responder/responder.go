// Package responder implements the relay's response listener pool (C7):
// one goroutine per registered session's forward socket, re-wrapping game
// server responses into PLG packets addressed back to the client.
package responder

import (
	"log"
	"net"

	"github.com/ewancrowle/plgboost/internal/relay/metrics"
	"github.com/ewancrowle/plgboost/internal/relay/session"
	"github.com/ewancrowle/plgboost/internal/wire"
)

const recvBufSize = 65535

// Spawn starts the response listener goroutine for a single session's
// forward socket. Grounded on spawn_response_listener in
// original_source/relay/src/forwarder.rs and on the teacher's
// handleBackendResponse goroutine-per-backend-connection shape in
// internal/relay/engine.go.
func Spawn(forwardSocket *net.UDPConn, mainSocket *net.UDPConn, cache *session.Cache, reg *metrics.Registry) {
	go run(forwardSocket, mainSocket, cache, reg)
}

func run(forwardSocket *net.UDPConn, mainSocket *net.UDPConn, cache *session.Cache, reg *metrics.Registry) {
	localPort := uint16(forwardSocket.LocalAddr().(*net.UDPAddr).Port)
	buf := make([]byte, recvBufSize)

	for {
		n, _, err := forwardSocket.ReadFromUDP(buf)
		if err != nil {
			// Socket closed by Unregister — normal termination, no warning log.
			return
		}

		token, ok := cache.TokenByPort(localPort)
		if !ok {
			// Session was removed concurrently with this read; exit.
			return
		}

		info, ok := cache.Get(token)
		if !ok {
			return
		}
		info.PacketsOut.Add(1)
		info.BytesOut.Add(uint64(wire.HeaderSize + n))
		clientAddr := info.ClientAddr()

		if clientAddr == nil || clientAddr.Port == 0 {
			continue
		}

		response := wire.NewData(token, 0, buf[:n])
		data := response.Encode()
		if _, err := mainSocket.WriteToUDP(data, clientAddr); err != nil {
			log.Printf("responder: send to client %s failed for token=%d: %v", clientAddr, token, err)
			continue
		}

		reg.PacketsForwarded.Inc()
		reg.BytesForwarded.Add(float64(len(data)))
	}
}
