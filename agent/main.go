// Command agent runs one penguinmesh participant: the mesh hub peers dial,
// the local UI bridge a browser attaches to, and the synchronization loop
// between them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"penguinmesh/internal/config"
	"penguinmesh/internal/doc"
	"penguinmesh/internal/mesh"
	"penguinmesh/internal/metrics"
	"penguinmesh/internal/node"
	"penguinmesh/internal/observability/logger"
	"penguinmesh/internal/rendezvous"
	"penguinmesh/internal/session"
	"penguinmesh/internal/ui"
)

var version = "dev"

func main() {
	var (
		cfgPath  string
		id       string
		username string
		listen   string
		peers    []string
		mdns     bool
		rvURL    string
		room     string
	)

	root := &cobra.Command{
		Use:          "agent",
		Short:        "Join a penguinmesh room as one participant",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("id") {
				cfg.Agent.ID = id
			}
			if flags.Changed("username") {
				cfg.Agent.Username = username
			}
			if flags.Changed("listen") {
				if cfg.Agent.Advertise == cfg.Agent.Listen {
					cfg.Agent.Advertise = listen
				}
				cfg.Agent.Listen = listen
			}
			if flags.Changed("peer") {
				cfg.Agent.Peers = append(cfg.Agent.Peers, peers...)
			}
			if flags.Changed("mdns") {
				cfg.Discovery.MDNS = mdns
			}
			if flags.Changed("rendezvous") {
				cfg.Discovery.Rendezvous = rvURL
			}
			if flags.Changed("room") {
				cfg.Discovery.Room = room
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.StringVarP(&cfgPath, "config", "c", os.Getenv("PENGUINMESH_CONFIG"), "YAML config file (env PENGUINMESH_CONFIG)")
	f.StringVar(&id, "id", "", "Participant id (default: random UUID)")
	f.StringVarP(&username, "username", "u", "", "Display name")
	f.StringVarP(&listen, "listen", "l", "", "Mesh listen address")
	f.StringSliceVarP(&peers, "peer", "p", nil, "Peer mesh address to dial (repeatable)")
	f.BoolVar(&mdns, "mdns", false, "Discover peers on the LAN over mDNS")
	f.StringVar(&rvURL, "rendezvous", "", "Rendezvous server base URL")
	f.StringVar(&room, "room", "", "Rendezvous room")

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
		ServiceName: "penguinmesh-agent",
		Version:     version,
	})
	defer logger.Sync()

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	self := doc.ParticipantID(cfg.Agent.ID)
	if self == "" {
		self = doc.ParticipantID(uuid.NewString())
	}
	log := logger.With(logger.Participant(string(self)))
	ctx = logger.ToContext(ctx, log)

	hub := mesh.NewHub(self, mesh.WithRetry(uint64(cfg.Agent.DialRetries), cfg.Agent.InitialBackoff))
	defer hub.Close()

	bridge := ui.NewBridge(cfg.UI.ChatDedupTTL)
	s := session.New(doc.New(self, hub), bridge,
		session.WithPositionEvery(uint64(cfg.Agent.PositionEvery)),
	)
	n := node.New(s, hub, bridge.Commands(),
		node.WithTick(cfg.Agent.Tick),
		node.WithUsername(cfg.Agent.Username),
		node.WithWalker(session.NewWalker(doc.Position{X: cfg.Agent.Spawn.X, Y: cfg.Agent.Spawn.Y})),
	)

	meshRouter := mux.NewRouter()
	meshRouter.Handle(mesh.Path, hub)
	servers := []*http.Server{
		{Addr: cfg.Agent.Listen, Handler: meshRouter},
		{Addr: cfg.UI.Addr, Handler: bridge.Handler(cfg.UI.StaticDir)},
	}
	if cfg.Metrics.Addr != "" {
		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: r})
	}

	g, ctx := errgroup.WithContext(ctx)
	serveAll(ctx, g, servers)

	g.Go(func() error {
		bridge.Run(ctx)
		bridge.Wait()
		return nil
	})
	g.Go(func() error { return n.Run(ctx) })

	for _, addr := range cfg.Agent.Peers {
		addr := addr
		g.Go(func() error {
			if err := hub.DialRetry(ctx, addr); err != nil && ctx.Err() == nil {
				log.Warn("peer unreachable", logger.Addr(addr), logger.Err(err))
			}
			return nil
		})
	}

	if cfg.Discovery.MDNS {
		port, err := listenPort(cfg.Agent.Listen)
		if err != nil {
			return err
		}
		g.Go(func() error { return mesh.Advertise(ctx, self, cfg.Discovery.Service, port) })
		g.Go(func() error {
			return mesh.Browse(ctx, cfg.Discovery.Service, func(p mesh.Peer) {
				hub.Discovered(ctx, p.ID, p.Addr)
			})
		})
	}

	if cfg.Discovery.Rendezvous != "" {
		client, err := rendezvous.NewClient(cfg.Discovery.Rendezvous, cfg.Discovery.Room, self, cfg.Agent.Advertise, cfg.Server.RosterTTL/4)
		if err != nil {
			return fmt.Errorf("rendezvous: %w", err)
		}
		g.Go(func() error {
			return client.Run(ctx, func(a rendezvous.Announcement) {
				if !a.Left {
					hub.Discovered(ctx, a.ID, a.Addr)
				}
			})
		})
	}

	log.Info("agent started",
		logger.Addr(cfg.Agent.Listen),
		logger.String("ui", cfg.UI.Addr),
		logger.Duration(cfg.Agent.Tick),
	)
	return g.Wait()
}

// serveAll runs every server in g and shuts them down when ctx is done.
func serveAll(ctx context.Context, g *errgroup.Group, servers []*http.Server) {
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("listen address %q needs a fixed port for mdns", addr)
	}
	return port, nil
}
