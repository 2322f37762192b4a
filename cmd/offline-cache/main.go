// Command offline-cache manages the on-device conference cache: it signs in
// and populates the cache, tears it down on logout and serves diagnostics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/offline-cache/engine"
	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/telemetry"
)

var version = "dev"

type globals struct {
	DataDir     string `help:"Directory holding the local stores." default:"./offline-cache" env:"OFFLINE_CACHE_DATA_DIR" type:"path"`
	RemoteURL   string `help:"REST API base URL." env:"OFFLINE_CACHE_REMOTE_URL"`
	APIKey      string `help:"REST API key." env:"OFFLINE_CACHE_API_KEY"`
	PostgresDSN string `help:"Read tables directly from PostgreSQL." env:"OFFLINE_CACHE_POSTGRES_DSN"`
	Workers     int    `help:"Concurrent table syncs." default:"4"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json"`

	OTLPEndpoint string `help:"OTLP gRPC metrics endpoint." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics (serve only)."`

	Config  kong.ConfigFlag  `help:"JSON configuration file." type:"existingfile"`
	Version kong.VersionFlag `help:"Print version and exit."`
}

type cli struct {
	globals

	Login  loginCmd  `cmd:"" help:"Record credentials and populate the cache."`
	Logout logoutCmd `cmd:"" help:"Destroy all cached data and verify it is gone."`
	Sync   syncCmd   `cmd:"" help:"Refresh changed tables."`
	State  stateCmd  `cmd:"" help:"Print lifecycle, health and sync state."`
	Verify verifyCmd `cmd:"" help:"Exit non-zero if sensitive data remains."`
	Reset  resetCmd  `cmd:"" help:"Remove cache entries, sync timestamps and auth state."`
	Sweep  sweepCmd  `cmd:"" help:"Remove untrusted entries and refresh stale ones."`
	Serve  serveCmd  `cmd:"" help:"Serve diagnostics over HTTP."`
}

// runContext is bound into every command's Run method.
type runContext struct {
	ctx    context.Context
	engine *engine.Engine
	logger *slog.Logger
}

type loginCmd struct {
	Token string `help:"Access token." required:"" env:"OFFLINE_CACHE_TOKEN"`
}

func (c *loginCmd) Run(rc *runContext) error {
	res, err := rc.engine.Login(rc.ctx, c.Token)
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("post-login sync failed: %w", res.Err)
	}
	return nil
}

type logoutCmd struct{}

func (c *logoutCmd) Run(rc *runContext) error {
	res := rc.engine.Logout(rc.ctx)
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Verified {
		return fmt.Errorf("sensitive data remains after logout")
	}
	return nil
}

type syncCmd struct {
	Force bool `help:"Sync every table regardless of change state."`
}

func (c *syncCmd) Run(rc *runContext) error {
	res, err := rc.engine.Sync(rc.ctx, c.Force)
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%d tables failed to sync", len(res.Errors))
	}
	return nil
}

type stateCmd struct{}

func (c *stateCmd) Run(rc *runContext) error {
	return printJSON(rc.engine.Status(rc.ctx))
}

type verifyCmd struct{}

func (c *verifyCmd) Run(rc *runContext) error {
	if !rc.engine.Verify(rc.ctx) {
		return fmt.Errorf("sensitive data present")
	}
	rc.logger.Info("no sensitive data present")
	return nil
}

type resetCmd struct{}

func (c *resetCmd) Run(rc *runContext) error {
	res := rc.engine.Reset(rc.ctx)
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("reset failed: %s", res.Error)
	}
	return nil
}

type sweepCmd struct {
	OlderThan time.Duration `help:"Remove every entry older than this instead of a regular sweep."`
}

func (c *sweepCmd) Run(rc *runContext) error {
	if c.OlderThan > 0 {
		return printJSON(rc.engine.Sweeper.ForceExpire(rc.ctx, c.OlderThan))
	}
	return printJSON(rc.engine.Sweep(rc.ctx))
}

type serveCmd struct {
	Address   string `help:"Address to listen on." default:":8080"`
	AuthToken string `help:"Bearer token required on lifecycle routes." env:"OFFLINE_CACHE_AUTH_TOKEN"`
	Sweep     bool   `help:"Run the expiry sweeper in the background." default:"true" negatable:""`
}

func (c *serveCmd) Run(rc *runContext) error {
	srv := server.New(rc.engine, server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Sweep:     c.Sweep,
		Logger:    rc.logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(rc.ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-rc.ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("offline-cache"),
		kong.Description("Offline conference cache integrity and sync engine."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.config/offline-cache/config.json"),
		kong.Vars{"version": version},
	)

	if err := run(kctx, &c); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context, c *cli) error {
	logger := newLogger(c.LogLevel, c.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.OTLPEndpoint != "" || c.Prometheus {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Prometheus,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	cfg := engine.DefaultConfig()
	cfg.DataDir = c.DataDir
	cfg.RemoteURL = c.RemoteURL
	cfg.APIKey = c.APIKey
	cfg.PostgresDSN = c.PostgresDSN
	cfg.SyncWorkers = c.Workers
	cfg.Logger = logger
	cfg.Breaker.Logger = logger
	cfg.Sweep.Logger = logger

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("closing engine failed", "error", err)
		}
	}()

	return kctx.Run(&runContext{ctx: ctx, engine: eng, logger: logger})
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(level))

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
