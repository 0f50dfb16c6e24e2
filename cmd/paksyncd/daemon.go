package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/paksyncd/internal/activation"
	"github.com/schaermu/paksyncd/internal/apply"
	"github.com/schaermu/paksyncd/internal/auth"
	"github.com/schaermu/paksyncd/internal/autostart"
	"github.com/schaermu/paksyncd/internal/config"
	"github.com/schaermu/paksyncd/internal/control"
	"github.com/schaermu/paksyncd/internal/flatpak"
	"github.com/schaermu/paksyncd/internal/remote"
	"github.com/schaermu/paksyncd/internal/scheduler"
	"github.com/schaermu/paksyncd/internal/secret"
	"github.com/schaermu/paksyncd/internal/snapshot"
	"github.com/schaermu/paksyncd/internal/store"
	paksyncd "github.com/schaermu/paksyncd/internal/sync"
	"github.com/schaermu/paksyncd/internal/sysstate"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Daemon watches the local Flatpak installations, polls the remote snapshot
on the configured interval and serves the control socket used by the other
commands. It is meant to run as a systemd user service (see "autostart").`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

// daemonDeps are the external collaborators of the daemon
type daemonDeps struct {
	fs         afero.Fs
	clock      clockwork.Clock
	flatpak    flatpak.Client
	remote     remote.Store
	secrets    secret.Store
	conditions sysstate.Conditions
	systemd    autostart.Systemd
	unitDir    string
}

// productionDeps wires the real package manager, remote store and keyring
func productionDeps(cfg *config.Config, logger *slog.Logger) (*daemonDeps, error) {
	fs := afero.NewOsFs()

	kind, err := remote.ParseKind(cfg.Remote.Backend)
	if err != nil {
		return nil, err
	}
	secrets, err := secret.New(string(cfg.Secrets.Backend), fs, cfg.Secrets.File)
	if err != nil {
		return nil, err
	}

	ts := auth.NewTokenSource(auth.GitHubConfig(cfg.Remote.ClientID), secrets, kind.SecretPurpose(), logger)
	rs, err := remote.New(kind, remote.Options{
		APIURL:     cfg.Remote.APIURL,
		HTTPClient: auth.HTTPClient(ts),
		UserAgent:  "paksyncd/" + version,
	})
	if err != nil {
		return nil, err
	}

	unitDir, err := autostart.UnitDir()
	if err != nil {
		return nil, err
	}

	return &daemonDeps{
		fs:         fs,
		clock:      clockwork.NewRealClock(),
		flatpak:    flatpak.NewShellClient(cfg.Flatpak.Binary, cfg.Flatpak.UserDir, cfg.Flatpak.SystemDir),
		remote:     rs,
		secrets:    secrets,
		conditions: sysstate.NewBusClient(""),
		systemd:    autostart.NewClient(""),
		unitDir:    unitDir,
	}, nil
}

// daemon owns the long-running components
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	engine  *paksyncd.Engine
	sched   *scheduler.Scheduler
	monitor *flatpak.Monitor
	server  *control.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, deps *daemonDeps, logger *slog.Logger) (*daemon, error) {
	if err := os.MkdirAll(cfg.Paths.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	st, err := store.New(cfg.Paths.Database, store.Defaults{
		Autosync:        cfg.AutosyncDefault(),
		IntervalMinutes: cfg.Sync.IntervalMinutes,
	})
	if err != nil {
		return nil, err
	}

	engine := paksyncd.NewEngine(cfg, paksyncd.Deps{
		Provider:   snapshot.NewProvider(deps.flatpak, deps.clock),
		Cache:      snapshot.NewCache(deps.fs, cfg.Paths.CacheFile),
		Remote:     deps.remote,
		Store:      st,
		Conditions: deps.conditions,
		Applier:    apply.New(deps.flatpak, logger, apply.Options{DisableGPGVerify: cfg.DisableGPGVerify()}),
		Clock:      deps.clock,
	}, logger)

	minutes, err := st.IntervalMinutes(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sched := scheduler.New(engine, st, time.Duration(minutes)*time.Minute, deps.clock, logger)

	exe, err := os.Executable()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	as := autostart.NewManager(deps.fs, deps.unitDir, exe, cfgFile, deps.systemd, logger)

	svc := control.NewService(engine, sched, st, deps.secrets, deps.remote.Kind().SecretPurpose(), as, logger)

	return &daemon{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		engine:  engine,
		sched:   sched,
		monitor: flatpak.NewMonitor(cfg.InstallationDirs(), cfg.Sync.Debounce, deps.clock, logger),
		server:  control.NewServer(svc, logger),
	}, nil
}

// run loads the local snapshot and runs every component until ctx is
// cancelled or one of them fails
func (d *daemon) run(ctx context.Context) error {
	if err := d.engine.Load(ctx); err != nil {
		return err
	}

	l, err := activation.Listen(d.cfg.Control.Socket, d.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sched.Run(gctx) })
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.sched.Forward(gctx, d.monitor.Changes()) })
	g.Go(func() error { return d.server.Serve(gctx, l) })

	d.logger.Info("daemon started", "version", version, "socket", d.cfg.Control.Socket)
	err = g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

func (d *daemon) close() error {
	return d.store.Close()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	deps, err := productionDeps(cfg, logger)
	if err != nil {
		return err
	}

	d, err := newDaemon(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}()

	if err := d.run(ctx); err != nil {
		logger.Error("daemon failed", "error", err)
		return err
	}
	return nil
}
