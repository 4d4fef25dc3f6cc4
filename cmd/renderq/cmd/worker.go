package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/renderq/renderq/pkg/assets"
	"github.com/renderq/renderq/pkg/logging"
	"github.com/renderq/renderq/pkg/metrics"
	"github.com/renderq/renderq/pkg/store"
	"github.com/renderq/renderq/pkg/worker"
)

var workerMetricsAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a rendering worker",
	Long: `Starts a worker that claims queued jobs from the shared store,
downloads their assets, and renders them with ffmpeg. Multiple workers
may share one store; the claim protocol keeps them from colliding.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logging.NewFileLogger("worker", logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer log.Close()

	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	fetcher, err := assets.NewFetcher(cfg.Worker.CacheDir, log)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if workerMetricsAddr != "" {
		var handler http.Handler
		m, handler = metrics.New()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			if err := http.ListenAndServe(workerMetricsAddr, mux); err != nil {
				log.Error("Metrics listener failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := worker.NewEngine(s, fetcher, cfg.Worker, log, m)
	return engine.Run(ctx)
}
