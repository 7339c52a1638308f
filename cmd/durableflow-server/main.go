// Command durableflow-server serves process commands over NATS and runs the
// control-task loops of the configured task queues. Settings come from the
// environment; flags override the NATS address and HTTP port.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	serverapp "github.com/ngnhng/durableflow/internal/server/app"
)

func main() {
	var (
		natsHost = flag.String("host", "", "NATS server host (overrides NATS_HOST)")
		natsPort = flag.String("port", "", "NATS server port (overrides NATS_PORT)")
		httpPort = flag.String("http-port", "", "HTTP server port (overrides SERVER_PORT)")
	)
	flag.Parse()

	if err := serverapp.Run(context.Background(), serverapp.Options{
		NATSHost: *natsHost,
		NATSPort: *natsPort,
		HTTPPort: *httpPort,
	}); err != nil {
		slog.Error("manager exited with error", "error", err)
		os.Exit(1)
	}
}
