// Command dispatcher runs the webhook-driven task runner: it listens
// for signed push notifications, checks out the pushed branch, and
// executes the repository's configured task.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ConfigButler/dispatcher/internal/checkout"
	"github.com/ConfigButler/dispatcher/internal/config"
	execpkg "github.com/ConfigButler/dispatcher/internal/exec"
	"github.com/ConfigButler/dispatcher/internal/legacytcp"
	"github.com/ConfigButler/dispatcher/internal/logging"
	"github.com/ConfigButler/dispatcher/internal/notify"
	"github.com/ConfigButler/dispatcher/internal/server"
	"github.com/ConfigButler/dispatcher/internal/task"
	"github.com/ConfigButler/dispatcher/internal/telemetry"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindFailure = 2

	shutdownDrainTimeout = 30 * time.Second
)

// cliConfig is everything parseFlags extracts from argv, kept as
// a pure function of its inputs so it can be unit tested without a
// running process.
type cliConfig struct {
	configPath string
	dev        bool
	legacyAddr string
}

func parseFlags(fs *flag.FlagSet, args []string) (cliConfig, error) {
	var c cliConfig
	fs.StringVar(&c.configPath, "config", "", "path to the TOML configuration file")
	fs.BoolVar(&c.dev, "dev", false, "use human-readable console logging instead of JSON")
	fs.StringVar(&c.legacyAddr, "legacy-tcp-addr", "", "address to serve the legacy raw-TCP protocol on (empty disables it)")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return c, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cli, err := parseFlags(flag.NewFlagSet("dispatcher", flag.ContinueOnError), args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	log := logging.New(cli.dev)

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		log.Error(err, "configuration error")
		return exitConfigError
	}

	if err := os.MkdirAll(cfg.CheckoutRoot, 0o755); err != nil {
		log.Error(err, "creating checkout root")
		return exitConfigError
	}
	if err := os.MkdirAll(cfg.LogRoot, 0o755); err != nil {
		log.Error(err, "creating log root")
		return exitConfigError
	}

	metrics, shutdownMetrics, err := telemetry.Init()
	if err != nil {
		log.Error(err, "initialising metrics")
		return exitConfigError
	}

	checkoutMgr := checkout.NewManager(cfg.CheckoutRoot, checkout.ProcessRunner{}, log)
	executor := execpkg.New(execpkg.ProcessRunner{})
	notifier := notify.New(log)
	store := task.NewStore()

	dispatcher := server.New(cfg, store, checkoutMgr, executor, notifier, metrics, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: dispatcher.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var legacySrv *legacytcp.Server
	if cli.legacyAddr != "" {
		legacySrv = &legacytcp.Server{
			Addr:      cli.legacyAddr,
			Secret:    os.Getenv("DEPLOYER_SECRET"),
			Playbook:  os.Getenv("DEPLOYER_PLAYBOOK"),
			Inventory: os.Getenv("DEPLOYER_INVENTORY"),
			Log:       log,
		}
		go func() {
			if err := legacySrv.ListenAndServe(ctx); err != nil {
				log.Error(err, "legacy tcp listener stopped")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error(err, "listener failed to bind")
			_ = shutdownMetrics(context.Background())
			return exitBindFailure
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http server shutdown")
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "draining in-flight tasks")
	}
	_ = shutdownMetrics(context.Background())

	return exitOK
}
