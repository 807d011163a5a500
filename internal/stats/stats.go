// Package stats implements the periodic statistics reporter: a
// human-readable summary line per service (spec.md §6) plus a set of
// OpenTelemetry metric instruments exposed over an optional /metrics
// endpoint (SPEC_FULL.md §6's addition), wired through the same
// otel-SDK-backed Prometheus bridge the teacher registers in
// internal/mux/hub.go (otel.SetMeterProvider + exporters/prometheus +
// promhttp), with one deliberate change: a private prometheus.Registry
// in place of the teacher's default global registerer, so multiple
// Reporters (one per test) never collide over global registration.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	apimetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/otterscale/portforwarder/internal/arena"
	"github.com/otterscale/portforwarder/internal/service"
)

// Source is one forwarding service the reporter samples each
// interval.
type Source struct {
	Name     string
	Counters *service.Counters
	Failures func() int64 // selector.TargetSelector.Failures, advisory-only per spec.md §4.3
}

// Option configures a Reporter at construction.
type Option func(*Reporter)

// WithLogger attaches a logger; the default discards all output.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reporter) { r.log = log }
}

// WithMetricsAddr starts a loopback HTTP server serving /metrics when
// Run is called. An empty addr (the default) disables it.
func WithMetricsAddr(addr string) Option {
	return func(r *Reporter) { r.metricsAddr = addr }
}

// Reporter samples every registered Source once per interval, logging
// a snapshot and feeding the deltas into OpenTelemetry counter/gauge
// instruments.
type Reporter struct {
	arena    *arena.Arena
	sources  []Source
	interval time.Duration
	log      *slog.Logger

	metricsAddr string
	registry    *prometheus.Registry

	bytesSouthNorth apimetric.Int64Counter
	bytesNorthSouth apimetric.Int64Counter
	timeoutConnect  apimetric.Int64Counter
	timeoutSession  apimetric.Int64Counter
	timeoutBroken   apimetric.Int64Counter
	timeoutUDP      apimetric.Int64Counter
	foreignUDP      apimetric.Int64Counter
}

// New creates a Reporter over the given arena and sources, sampling
// once per interval (0 disables sampling). It registers a fresh OpenTelemetry meter
// provider backed by a private Prometheus registry and sets it as the
// process-wide default, mirroring internal/mux/hub.go's
// registerMetrics.
func New(a *arena.Arena, sources []Source, interval time.Duration, opts ...Option) (*Reporter, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprometheus.New(
		otelprometheus.WithRegisterer(registry),
		otelprometheus.WithoutCounterSuffixes(),
	)
	if err != nil {
		return nil, fmt.Errorf("stats: create otel-prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("github.com/otterscale/portforwarder/internal/stats")

	r := &Reporter{
		arena:    a,
		sources:  sources,
		interval: interval,
		log:      slog.New(slog.DiscardHandler),
		registry: registry,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.bytesSouthNorth, err = meter.Int64Counter("forwarder_bytes_south_to_north_total",
		apimetric.WithDescription("Bytes forwarded from client to target."))
	if err != nil {
		return nil, fmt.Errorf("stats: register counter: %w", err)
	}
	r.bytesNorthSouth, err = meter.Int64Counter("forwarder_bytes_north_to_south_total",
		apimetric.WithDescription("Bytes forwarded from target to client."))
	if err != nil {
		return nil, fmt.Errorf("stats: register counter: %w", err)
	}
	r.timeoutConnect, err = meter.Int64Counter("forwarder_connect_timeouts_total",
		apimetric.WithDescription("Tunnels torn down for exceeding the connect timeout."))
	if err != nil {
		return nil, fmt.Errorf("stats: register counter: %w", err)
	}
	r.timeoutSession, err = meter.Int64Counter("forwarder_session_timeouts_total",
		apimetric.WithDescription("Established TCP tunnels torn down for exceeding the session timeout."))
	if err != nil {
		return nil, fmt.Errorf("stats: register counter: %w", err)
	}
	r.timeoutBroken, err = meter.Int64Counter("forwarder_broken_timeouts_total",
		apimetric.WithDescription("Broken tunnels force-closed for exceeding the release timeout."))
	if err != nil {
		return nil, fmt.Errorf("stats: register counter: %w", err)
	}
	r.timeoutUDP, err = meter.Int64Counter("forwarder_udp_idle_timeouts_total",
		apimetric.WithDescription("UDP tunnels torn down for idling past their timeout."))
	if err != nil {
		return nil, fmt.Errorf("stats: register counter: %w", err)
	}
	r.foreignUDP, err = meter.Int64Counter("forwarder_udp_foreign_datagrams_total",
		apimetric.WithDescription("UDP datagrams dropped for not matching the connected peer."))
	if err != nil {
		return nil, fmt.Errorf("stats: register counter: %w", err)
	}

	if _, err := meter.Int64ObservableGauge("forwarder_active_tunnels",
		apimetric.WithDescription("Currently established or in-flight tunnels."),
		apimetric.WithInt64Callback(func(_ context.Context, o apimetric.Int64Observer) error {
			for _, src := range r.sources {
				o.Observe(src.Counters.ActiveTunnels.Load(), apimetric.WithAttributes(attribute.String("service", src.Name)))
			}
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("stats: register gauge: %w", err)
	}

	if _, err := meter.Int64ObservableGauge("forwarder_target_failures_total",
		apimetric.WithDescription("Advisory connect-failure count reported to each service's target selector."),
		apimetric.WithInt64Callback(func(_ context.Context, o apimetric.Int64Observer) error {
			for _, src := range r.sources {
				if src.Failures == nil {
					continue
				}
				o.Observe(src.Failures(), apimetric.WithAttributes(attribute.String("service", src.Name)))
			}
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("stats: register gauge: %w", err)
	}

	if _, err := meter.Int64ObservableGauge("forwarder_arena_in_use_bytes",
		apimetric.WithDescription("Bytes currently committed to in-flight packet blocks."),
		apimetric.WithInt64Callback(func(_ context.Context, o apimetric.Int64Observer) error {
			inUse, _, _ := r.arena.Usage()
			o.Observe(int64(inUse))
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("stats: register gauge: %w", err)
	}

	if _, err := meter.Int64ObservableGauge("forwarder_arena_free_bytes",
		apimetric.WithDescription("Bytes currently free in the packet arena."),
		apimetric.WithInt64Callback(func(_ context.Context, o apimetric.Int64Observer) error {
			_, free, _ := r.arena.Usage()
			o.Observe(int64(free))
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("stats: register gauge: %w", err)
	}

	if _, err := meter.Int64ObservableGauge("forwarder_arena_in_use_blocks",
		apimetric.WithDescription("Number of currently committed packet blocks."),
		apimetric.WithInt64Callback(func(_ context.Context, o apimetric.Int64Observer) error {
			_, _, blocks := r.arena.Usage()
			o.Observe(int64(blocks))
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("stats: register gauge: %w", err)
	}

	return r, nil
}

// Run samples every source once per r.interval until ctx is
// cancelled. If a metrics address was configured, it also serves
// /metrics on that address for the duration of Run.
func (r *Reporter) Run(ctx context.Context) error {
	if r.metricsAddr != "" {
		srv := &http.Server{Addr: r.metricsAddr, Handler: promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sample()
		}
	}
}

// sample snapshots every source, logs a human-readable summary per
// service, and feeds interval deltas into the OTel counter
// instruments (the gauges read live state via their own callbacks, so
// they need no sampling here). Cumulative fields reset to zero after
// each sample, per the Open-Question decision in SPEC_FULL.md §11.1.
func (r *Reporter) sample() {
	ctx := context.Background()
	inUseBytes, freeBytes, inUseBlocks := r.arena.Usage()

	for _, src := range r.sources {
		snap := src.Counters.Snapshot()
		attrs := apimetric.WithAttributes(attribute.String("service", src.Name))

		r.bytesSouthNorth.Add(ctx, int64(snap.BytesSouthToNorth), attrs)
		r.bytesNorthSouth.Add(ctx, int64(snap.BytesNorthToSouth), attrs)
		r.timeoutConnect.Add(ctx, int64(snap.TimeoutConnect), attrs)
		r.timeoutSession.Add(ctx, int64(snap.TimeoutEstablished), attrs)
		r.timeoutBroken.Add(ctx, int64(snap.TimeoutBroken), attrs)
		r.timeoutUDP.Add(ctx, int64(snap.TimeoutUDP), attrs)
		r.foreignUDP.Add(ctx, int64(snap.ForeignUDPDatagrams), attrs)

		var failures int64
		if src.Failures != nil {
			failures = src.Failures()
		}

		r.log.Info("statistics",
			"service", src.Name,
			"active_tunnels", snap.ActiveTunnels,
			"bytes_south_to_north", snap.BytesSouthToNorth,
			"bytes_north_to_south", snap.BytesNorthToSouth,
			"timeout_connect", snap.TimeoutConnect,
			"timeout_session", snap.TimeoutEstablished,
			"timeout_broken", snap.TimeoutBroken,
			"timeout_udp", snap.TimeoutUDP,
			"foreign_udp_datagrams", snap.ForeignUDPDatagrams,
			"target_failures", failures,
			"arena_in_use_bytes", inUseBytes,
			"arena_free_bytes", freeBytes,
			"arena_in_use_blocks", inUseBlocks,
		)
	}
}

// Registry exposes the underlying Prometheus registry, for tests that
// want to scrape it directly rather than over HTTP.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}
