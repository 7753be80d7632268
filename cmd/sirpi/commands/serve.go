package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/FlexiInc/sirpi-gcp/pkg/transports/stream"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Sirpi API server",
		Long: `Start the HTTP server exposing the project API, the websocket log
stream, and Prometheus metrics.`,
		Example: `  # Serve with the default configuration
  sirpi serve

  # Serve on a specific address
  sirpi serve --addr :9090 --config /etc/sirpi/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}

			if addr != "" {
				rt.cfg.Server.Addr = addr
			}
			server := stream.NewServer(rt.cfg.Server, rt.orch, rt.metrics, rt.logger)

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			select {
			case err := <-errCh:
				rt.Close(context.Background())
				return err
			case <-ctx.Done():
				log.Info().Msg("Shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Server shutdown incomplete")
				}
				rt.Close(shutdownCtx)
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	return cmd
}
