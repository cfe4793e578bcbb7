package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/relay/internal/bridge"
	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/channels"
	"github.com/zjrosen/relay/internal/config"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/server"
	"github.com/zjrosen/relay/internal/store"
	"github.com/zjrosen/relay/internal/tracing"
	"github.com/zjrosen/relay/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket sync server",
	Long: `Run the sync server over the configured store.

Clients connect on /ws and subscribe to channels. With the sqlite driver
a file watcher refreshes channels when another process writes the
database; with the postgres driver a LISTEN/NOTIFY bridge fans events out
across server processes.

Example:
  relay serve                  # store from config (default: sqlite)
  relay serve --addr :8080     # override the listen address`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging(false)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	b := bus.New()
	backend, _, stopBackend, err := openBackend(context.Background(), b, true)
	if err != nil {
		return err
	}
	defer stopBackend()

	access := channels.NewCachedAccess(backend, false)
	reg := channels.NewRegistry()
	channels.Setup(reg, b,
		channels.NewAgentEventsChannel(backend, access),
		channels.NewAgentsChannel(backend, access),
		channels.NewProjectsChannel(backend),
	)

	srv := server.New(server.Config{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
	}, reg)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Printf("relay server listening on %s (store: %s)\n", srv.Addr(), cfg.Store.Driver)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// openBackend opens the configured store backend plus the machinery that
// carries change events for it: the sqlite file watcher when withWatcher
// is set, or the postgres bridge. The returned publisher is where
// writers route store events so other processes observe them; readers
// can ignore it. The returned func releases everything.
func openBackend(ctx context.Context, b *bus.Bus, withWatcher bool) (store.Backend, bus.Publisher, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), b, func() {}, nil

	case "sqlite":
		sq, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		stop := func() { _ = sq.Close() }
		if withWatcher && cfg.Store.Watch && cfg.Store.Path != ":memory:" {
			w, err := watcher.New(watcher.DefaultConfig(cfg.Store.Path), b, sq.DB())
			if err != nil {
				log.Warn(log.CatWatcher, "file watcher unavailable", "error", err)
				return sq, b, stop, nil
			}
			if err := w.Start(); err != nil {
				log.Warn(log.CatWatcher, "file watcher failed to start", "error", err)
				return sq, b, stop, nil
			}
			stop = func() {
				_ = w.Stop()
				_ = sq.Close()
			}
		}
		return sq, b, stop, nil

	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		br := bridge.New(bridge.Config{
			Bus:            b,
			Transport:      bridge.NewPostgresTransport(cfg.Store.DSN, cfg.Bridge.Channel),
			InitialBackoff: cfg.Bridge.InitialBackoff,
			MaxBackoff:     cfg.Bridge.MaxBackoff,
		})
		br.Start()
		stop := func() {
			br.Stop()
			_ = pg.Close()
		}
		return pg, br, stop, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
