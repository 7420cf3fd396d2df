package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/procgov"
	"github.com/mcpmux/mcpmux/internal/proxy"
	"github.com/mcpmux/mcpmux/internal/status"
)

var (
	backendCommand string
	defaultRoot    string
	maxBackends    int
	statusAddr     bool
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy on stdio",
	Long: `Run the proxy: JSON-RPC 2.0 on stdin/stdout toward the client,
one backend process per workspace root on the other side.

The client is expected to send initialize first, declaring its workspace
roots. Requests are routed to the backend owning the matching root, spawning
it on first use. All logging goes to stderr or a file; stdout carries only
protocol traffic.

Example:
  mcpmux serve --backend my-mcp-server
  mcpmux serve --backend my-mcp-server --default-root /path/to/project
  mcpmux serve --config ~/.mcpmux/config.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&backendCommand, "backend", "", "backend command to spawn per workspace root")
	serveCmd.Flags().StringVar(&defaultRoot, "default-root", "", "root used when a request cannot be routed")
	serveCmd.Flags().IntVar(&maxBackends, "max-backends", 0, "maximum concurrent backend processes")
	serveCmd.Flags().BoolVar(&statusAddr, "status", false, "enable the local status/metrics HTTP endpoint")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with flags
	if backendCommand != "" {
		cfg.Backend.Command = backendCommand
	}
	if defaultRoot != "" {
		cfg.Router.DefaultRoot = defaultRoot
	}
	if maxBackends != 0 {
		cfg.Backend.MaxBackends = maxBackends
	}
	if statusAddr {
		cfg.Status.Enabled = true
	}

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Backend.Command == "" {
		return fmt.Errorf("no backend command configured (use --backend or backend.command)")
	}

	setupLogging(cfg)

	if cfg.Instance.SingleInstance {
		release, err := acquireInstanceLock(cfg)
		if err != nil {
			return err
		}
		defer release()
	}

	log.Info().
		Str("version", version).
		Str("backend", cfg.Backend.Command).
		Int("max_backends", cfg.Backend.MaxBackends).
		Msg("starting mcpmux")

	gov := newGovernor()
	defer gov.Shutdown()

	reporter := status.NewSnapshotReporter()
	scope, closeScope := reporter.NewScope("mcpmux", time.Second)
	defer func() { _ = closeScope() }()

	p := proxy.New(proxy.Options{
		Config:   cfg,
		Version:  version,
		Governor: gov,
		Scope:    scope,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if cfg.Status.Enabled {
		srv := status.NewServer(cfg.Status.Host, cfg.Status.Port, p.Info, reporter)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("status server stopped")
			}
		}()
	}

	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("proxy error: %w", err)
	}

	log.Info().Msg("mcpmux stopped")
	return nil
}

// newGovernor builds the process governor, attaching the on-disk group
// registry when it can be opened. Without it orphan cleanup after a proxy
// crash is lost, but the proxy still works.
func newGovernor() *procgov.Governor {
	store, err := procgov.OpenRegistry(procgov.DefaultRegistryPath())
	if err != nil {
		log.Warn().Err(err).Msg("process group registry unavailable, crash cleanup disabled")
		return procgov.New()
	}
	return procgov.New(procgov.WithRegistry(store))
}

// acquireInstanceLock takes the single-instance file lock. The returned
// function releases it.
func acquireInstanceLock(cfg *config.Config) (func(), error) {
	path := cfg.Instance.LockFile
	if path == "" {
		path = filepath.Join(os.TempDir(), "mcpmux.lock")
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another mcpmux instance holds %s", path)
	}
	return func() { _ = lock.Unlock() }, nil
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// stdout belongs to the protocol; logs go to stderr or a file.
	var out *os.File = os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = f
		} else {
			log.Warn().Err(err).Str("file", cfg.Logging.File).Msg("falling back to stderr logging")
		}
	}

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	} else {
		log.Logger = log.Output(out)
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
