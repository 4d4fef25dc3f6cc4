package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/renderq/renderq/pkg/api"
	"github.com/renderq/renderq/pkg/logging"
	"github.com/renderq/renderq/pkg/metrics"
	"github.com/renderq/renderq/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long:  `Starts the HTTP API that accepts render submissions and serves job status to polling clients.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logging.NewFileLogger("server", logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer log.Close()

	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	m, metricsHandler := metrics.New()

	router := mux.NewRouter()
	handler := api.NewHandler(s, log, metricsHandler)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Keep the per-state gauge fresh while serving.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ObserveQueue(s)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server listening", map[string]interface{}{
			"addr":  cfg.Server.ListenAddr,
			"store": cfg.Store.Path,
		})
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
