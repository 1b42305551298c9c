// Command server runs the rendezvous server: agents join a room over a
// websocket and learn each other's mesh addresses. Rosters live in redis so
// several instances can serve the same rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"penguinmesh/internal/config"
	"penguinmesh/internal/metrics"
	"penguinmesh/internal/observability/logger"
	"penguinmesh/internal/rendezvous"
)

var version = "dev"

func main() {
	var (
		cfgPath   string
		addr      string
		redisAddr string
	)

	root := &cobra.Command{
		Use:          "server",
		Short:        "Rendezvous server for penguinmesh rooms",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("redis") {
				cfg.Server.RedisAddr = redisAddr
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", os.Getenv("PENGUINMESH_CONFIG"), "YAML config file (env PENGUINMESH_CONFIG)")
	root.Flags().StringVar(&addr, "addr", "", "Listen address")
	root.Flags().StringVar(&redisAddr, "redis", "", "Redis address or redis:// URL")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Init(logger.Config{
		Env:         cfg.Log.Env,
		Level:       cfg.Log.Level,
		ServiceName: "penguinmesh-server",
		Version:     version,
	})
	defer logger.Sync()
	log := logger.L()

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	reg, err := rendezvous.NewRegistry(cfg.Server.RedisAddr, cfg.Server.RedisDB, cfg.Server.RosterTTL)
	if err != nil {
		return err
	}
	defer reg.Close()
	log.Info("connected to redis", logger.Addr(cfg.Server.RedisAddr))

	r := mux.NewRouter()
	rendezvous.NewServer(reg).Routes(r)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.Ping(req.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("rendezvous server listening", logger.Addr(cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
