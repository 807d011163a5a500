// Package main is the entry point for the forwarder binary: a
// userspace L4 TCP/UDP port forwarder driven by a single epoll
// reactor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/otterscale/portforwarder/internal/arena"
	"github.com/otterscale/portforwarder/internal/config"
	"github.com/otterscale/portforwarder/internal/reactor"
	"github.com/otterscale/portforwarder/internal/resolver"
	"github.com/otterscale/portforwarder/internal/selector"
	"github.com/otterscale/portforwarder/internal/service"
	"github.com/otterscale/portforwarder/internal/service/tcp"
	"github.com/otterscale/portforwarder/internal/service/udp"
	"github.com/otterscale/portforwarder/internal/stats"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

// metricsAddr is the loopback address the optional /metrics endpoint
// binds to when statistics are enabled.
const metricsAddr = "127.0.0.1:9090"

func main() {
	// SIGINT triggers graceful shutdown; SIGPIPE is ignored so a
	// write to an already-closed socket surfaces as EPIPE instead of
	// killing the process, per spec.md §6.
	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	fs := pflag.NewFlagSet("forwarder", pflag.ContinueOnError)
	flags := config.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}

	bootLog := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, specs, err := config.Load(flags.ConfigPath, bootLog)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer closeLog()

	log.Info("starting forwarder", "version", version, "forwards", len(specs))

	a, err := arena.New(cfg.Service.Setting.Buffer.SizeMiB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("create packet arena: %w", err)
	}

	timeouts := service.Timeouts{
		Connect:     time.Duration(cfg.Service.Setting.Timeout.Connect) * time.Second,
		Established: time.Duration(cfg.Service.Setting.Timeout.Session) * time.Second,
		Broken:      time.Duration(cfg.Service.Setting.Timeout.Release) * time.Second,
		UDP:         time.Duration(cfg.Service.Setting.Timeout.UDP) * time.Second,
	}
	highWaterMiB := cfg.Service.Setting.Buffer.PerSessionLimitMiB

	statAddr := ""
	if cfg.Statistic.Interval > 0 {
		statAddr = metricsAddr
	}
	statInterval := time.Duration(cfg.Statistic.Interval) * time.Second

	if err := runDataPlane(ctx, specs, timeouts, highWaterMiB, a, statInterval, statAddr, log); err != nil {
		return fmt.Errorf("data plane stopped: %w", err)
	}
	log.Info("forwarder shut down cleanly")
	return nil
}

// dataPlaneBackoff bounds the wait between data-plane restarts; it
// doubles on each consecutive failure up to dataPlaneMaxBackoff, per
// spec.md §4.7 step 5.
const (
	dataPlaneBackoff    = 500 * time.Millisecond
	dataPlaneMaxBackoff = 30 * time.Second
)

// runDataPlane builds a reactor and the full service set from specs and
// drives it until ctx is cancelled. If the reactor's poller fails for
// any reason other than context cancellation (spec.md §7's error
// taxonomy), the whole data plane — reactor, sockets, and statistics
// reporter — is torn down and rebuilt from specs after a short,
// exponentially increasing back-off, rather than letting the failure
// kill the process (spec.md §4.7 step 5).
func runDataPlane(ctx context.Context, specs []config.ServiceSpec, timeouts service.Timeouts, highWaterMiB int, a *arena.Arena, statInterval time.Duration, statAddr string, log *slog.Logger) error {
	backoff := dataPlaneBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		r, err := reactor.New()
		if err != nil {
			return fmt.Errorf("create reactor: %w", err)
		}

		sources, err := startServices(ctx, r, a, specs, timeouts, highWaterMiB, log)
		if err != nil {
			_ = r.Close()
			return err
		}

		reporter, err := stats.New(a, sources, statInterval, stats.WithLogger(log), stats.WithMetricsAddr(statAddr))
		if err != nil {
			_ = r.Close()
			return fmt.Errorf("create statistics reporter: %w", err)
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error { return r.Run(egCtx) })
		eg.Go(func() error { return reporter.Run(egCtx) })
		runErr := eg.Wait()
		_ = r.Close()

		if ctx.Err() != nil {
			return nil
		}
		if runErr == nil {
			return nil
		}

		log.Error("data plane failed, restarting after back-off", "error", runErr, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > dataPlaneMaxBackoff {
			backoff = dataPlaneMaxBackoff
		}
	}
}

// startServices resolves every forward's target and starts its
// TCP or UDP service, returning the statistics sources to report on.
func startServices(ctx context.Context, r *reactor.Reactor, a *arena.Arena, specs []config.ServiceSpec, timeouts service.Timeouts, highWaterMiB int, log *slog.Logger) ([]stats.Source, error) {
	sources := make([]stats.Source, 0, len(specs))

	for _, spec := range specs {
		name := fmt.Sprintf("%s:%s:%d->%s:%d", spec.Protocol, spec.Iface, spec.ServicePort, spec.TargetHost, spec.TargetPort)

		ip, err := bindAddr(spec.Iface)
		if err != nil {
			return nil, fmt.Errorf("forward %q: %w", name, err)
		}

		addrs, err := resolver.Resolve(ctx, spec.Protocol, spec.TargetHost, spec.TargetPort)
		if err != nil {
			return nil, fmt.Errorf("forward %q: resolve target: %w", name, err)
		}
		sel, err := selector.New(addrs)
		if err != nil {
			return nil, fmt.Errorf("forward %q: %w", name, err)
		}

		counters := &service.Counters{}
		svcLog := log.With("forward", name)

		switch spec.Protocol {
		case "udp":
			if _, err := udp.New(name, ip, spec.ServicePort, r, a, sel, timeouts, highWaterMiB,
				udp.WithLogger(svcLog), udp.WithCounters(counters)); err != nil {
				return nil, fmt.Errorf("forward %q: %w", name, err)
			}
		default:
			if _, err := tcp.New(name, ip, spec.ServicePort, r, a, sel, timeouts, highWaterMiB,
				tcp.WithLogger(svcLog), tcp.WithCounters(counters)); err != nil {
				return nil, fmt.Errorf("forward %q: %w", name, err)
			}
		}

		sources = append(sources, stats.Source{Name: name, Counters: counters, Failures: sel.Failures})
		log.Info("forward started", "name", name, "targets", len(addrs))
	}

	return sources, nil
}

// bindAddr resolves the "any" | <address> iface string of a forward
// entry into a bind IP, per spec.md §6.
func bindAddr(iface string) (net.IP, error) {
	if iface == "" || iface == "any" {
		return net.IPv4zero, nil
	}
	ip := net.ParseIP(iface)
	if ip == nil {
		return nil, fmt.Errorf("invalid bind address %q", iface)
	}
	return ip, nil
}

// buildLogger constructs the process-wide logger per the configured
// sink and level (spec.md §6).
func buildLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	out := os.Stdout
	closeFn := func() {}
	if cfg.Sink == "file" {
		if cfg.File == "" {
			return nil, nil, errors.New("log.file is required when log.sink is \"file\"")
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closeFn, nil
}
