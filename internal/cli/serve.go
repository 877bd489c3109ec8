package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	internal_http "github.com/False-Maker/test-genius-sub004/internal/http"
	"github.com/False-Maker/test-genius-sub004/internal/log"
	"github.com/False-Maker/test-genius-sub004/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetInt("port")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			run(cmd, func(ctx context.Context, a *app) error {
				if port == 0 {
					port = a.cfg.HTTP.Port
				}
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				collector := metrics.NewCollector(reg)
				a.svc.AddObserver(collector)

				srv := internal_http.NewServer(a.svc, collector)
				errCh := make(chan error, 1)
				go func() {
					errCh <- srv.Start(fmt.Sprintf(":%d", port))
				}()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				log.GetLogger().Infof("Shutting down, waiting up to %s for in-flight requests", shutdownTimeout)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().Int("port", 0, "Listen port (defaults to HTTP_PORT or 8080)")
	return cmd
}
