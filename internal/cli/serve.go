package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SchlenkR/ronboard/internal/config"
	"github.com/SchlenkR/ronboard/internal/naming"
	"github.com/SchlenkR/ronboard/internal/realtime"
	"github.com/SchlenkR/ronboard/internal/session"
	"github.com/SchlenkR/ronboard/internal/watcher"
)

const (
	lockFileName    = "ronboard.lock"
	shutdownTimeout = 15 * time.Second
)

var serveFlags struct {
	port      int
	dataDir   string
	staticDir string
	store     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Long: `Run the HTTP and WebSocket server.

Persisted sessions are loaded in the stopped state. Only one server may
use a data directory at a time.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "listen port (default 5180)")
	serveCmd.Flags().StringVar(&serveFlags.dataDir, "data-dir", "", "data directory (default ~/.ronboard)")
	serveCmd.Flags().StringVar(&serveFlags.staticDir, "static-dir", "", "directory with the web UI to serve at /")
	serveCmd.Flags().StringVar(&serveFlags.store, "store", "", "history store: file or sqlite")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags overrides cfg with the flags the user actually set.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = serveFlags.port
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = config.ExpandHome(serveFlags.dataDir)
	}
	if flags.Changed("static-dir") {
		cfg.StaticDir = config.ExpandHome(serveFlags.staticDir)
	}
	if flags.Changed("store") {
		cfg.Store = serveFlags.store
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data directory %s is in use by another server", cfg.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	launcher := session.NewLauncher(cfg.Agent.Launcher())
	manager := session.NewManager(session.Options{
		Store:                 store,
		Launcher:              launcher,
		ResumeSettleDelay:     cfg.Resume.SettleDelay,
		LastUsedFlushInterval: cfg.Session.LastUsedFlushInterval,
	})
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	hub := realtime.New(realtime.Options{
		Manager:        manager,
		StaticDir:      cfg.StaticDir,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	files := watcher.New(0, hub.OnFileUpdate)
	unfollow := files.Follow(manager)

	var namer *naming.Namer
	if cfg.Naming.Enabled {
		namer = naming.New(manager, naming.Options{
			Generator:    naming.AgentGenerator{Launcher: launcher},
			MinChars:     cfg.Naming.MinChars,
			SnippetChars: cfg.Naming.SnippetChars,
			MaxTitle:     cfg.Naming.MaxTitleChars,
			Timeout:      cfg.Naming.Timeout,
		})
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Int("port", cfg.Port).
			Str("dataDir", cfg.DataDir).
			Str("store", cfg.Store).
			Int("sessions", len(manager.List())).
			Str("version", Version).
			Msg("ronboard server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		hub.Close()
		unfollow()
		files.Shutdown()
		if namer != nil {
			namer.Close()
		}
		return manager.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
