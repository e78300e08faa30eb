// Skein runs long-lived agent threads: conversations that can sleep,
// wake themselves up later, and investigate alerts without duplicating
// work.
//
// Usage:
//
//	skein serve              Start the API server and wake scheduler
//	skein ask <message>      Run one message and print the reply
//	skein init [dir]         Write an example config
//	skein version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/skein/internal/agent"
	"github.com/nugget/skein/internal/api"
	"github.com/nugget/skein/internal/buildinfo"
	"github.com/nugget/skein/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx triggers graceful
// shutdown. Logs go to stdout.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	flags := pflag.NewFlagSet("skein", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", "", "path to config file (default: auto-discover)")
	outputFmt := flags.StringP("output", "o", "text", "output format: text or json")
	model := flags.StringP("model", "m", "", "model for ask (default: models.default)")
	source := flags.String("source-id", "", "thread identity for ask; reuses the live thread")
	help := flags.BoolP("help", "h", false, "show help")
	flags.SetInterspersed(false)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return printUsage(stdout, flags)
		}
		return err
	}
	if *help {
		return printUsage(stdout, flags)
	}
	if *outputFmt != "text" && *outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", *outputFmt)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return printUsage(stdout, flags)
	}
	command, cmdArgs := rest[0], rest[1:]

	switch command {
	case "serve":
		return runServe(ctx, stdout, *configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: skein ask <message>")
		}
		return runAsk(ctx, stdout, *configPath, *outputFmt, agent.MessageRequest{
			Source:   "cli",
			SourceID: *source,
			Content:  strings.Join(cmdArgs, " "),
			Model:    *model,
		})
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, *outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer, flags *pflag.FlagSet) error {
	fmt.Fprintln(w, "Skein - resumable agent threads")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: skein [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server and wake scheduler")
	fmt.Fprintln(w, "  ask <message>  Run one message and print the reply")
	fmt.Fprintln(w, "  init [dir]     Write an example skein.yaml (default: .)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flags.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

// loadConfig finds and loads the config, then builds the configured
// logger.
func loadConfig(explicit string, stdout io.Writer) (*config.Config, *slog.Logger, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger(stdout)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("config loaded", "path", path)
	return cfg, logger, nil
}

// runAsk runs a single message through the full stack without starting
// the server. Wakes it schedules fire on the next serve.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, req agent.MessageRequest) error {
	cfg, logger, err := loadConfig(configPath, io.Discard)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	resp, err := a.dispatcher.HandleMessage(ctx, req)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	a.dispatcher.Wait()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Content)
	fmt.Fprintf(stdout, "\n[thread %s: %s]\n", resp.ThreadID, resp.Status)
	return nil
}

// runServe starts every background component and blocks until ctx is
// cancelled. Shutdown stops intake first (HTTP, wake timers), then
// waits for detached runs, then closes storage.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, stdout)
	if err != nil {
		return err
	}
	logger.Info("starting skein", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if a.mqtt != nil {
		if err := a.mqtt.Start(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		if cfg.MQTT.MirrorEvents {
			go a.mqtt.Mirror(ctx, a.bus)
		}
	}

	a.worker.Start(ctx)
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("wake scheduler: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.engine.Ping(pingCtx); err != nil {
		logger.Warn("reasoning engine unreachable at startup", "error", err)
	}
	cancel()

	srv := api.NewServer(cfg.Listen.Addr(), a.dispatcher, a.store, a.bus, logger)
	srv.SetEngine(a.engine)
	srv.SetWakes(a.scheduler)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		logger.Error("API server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown", "error", err)
	}
	a.scheduler.Stop()
	a.worker.Stop()
	a.dispatcher.Wait()
	if a.mqtt != nil {
		if err := a.mqtt.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	logger.Info("skein stopped")
	return serveErr
}
