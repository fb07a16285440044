package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/courier"
)

// A small request/response demo: the server answers every key/value
// message with a status pair, and the client asks once per second.
func main() {
	listener, err := courier.ListenExchange("127.0.0.1", 12345, handle)
	if err != nil {
		slog.Error("listen failed", "error", err)
		return
	}
	defer listener.Stop()
	slog.Info("server started", "addr", listener.Addr())

	client, err := courier.Dial("127.0.0.1", 12345,
		courier.ReadTimeoutOption(10*time.Second),
	)
	if err != nil {
		slog.Error("dial failed", "error", err)
		return
	}
	defer client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			slog.Info("shutting down")
			return
		case <-ticker.C:
			req, err := courier.NewKeyValueMessage(
				courier.Pair{Key: "request", Value: "ping"},
				courier.Pair{Key: "sent_at", Value: time.Now().Format(time.RFC3339)},
			)
			if err != nil {
				slog.Error("bad request", "error", err)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			reply, err := client.Exchange(ctx, req)
			cancel()
			if err != nil {
				slog.Error("exchange failed", "error", err)
				return
			}

			status, _ := reply.Get("status")
			slog.Info("reply received", "status", status)
		}
	}
}

func handle(m *courier.Message, peer courier.Endpoint) (*courier.Message, error) {
	slog.Info("message received", "peer", peer, "kind", m.Kind())
	return courier.NewKeyValueMessage(courier.Pair{Key: "status", Value: "ok"})
}
