// Vanguard is a multi-tenant vehicle safety alert triage and notification service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/vanguard/internal/ai"
	"github.com/linnemanlabs/vanguard/internal/alert"
	alertmem "github.com/linnemanlabs/vanguard/internal/alert/memstore"
	alertpg "github.com/linnemanlabs/vanguard/internal/alert/pgstore"
	"github.com/linnemanlabs/vanguard/internal/api"
	"github.com/linnemanlabs/vanguard/internal/attention"
	vc "github.com/linnemanlabs/vanguard/internal/cfg"
	"github.com/linnemanlabs/vanguard/internal/events"
	"github.com/linnemanlabs/vanguard/internal/jobs"
	"github.com/linnemanlabs/vanguard/internal/kvstore"
	"github.com/linnemanlabs/vanguard/internal/media"
	"github.com/linnemanlabs/vanguard/internal/metering"
	"github.com/linnemanlabs/vanguard/internal/notify"
	"github.com/linnemanlabs/vanguard/internal/notify/carrier"
	notifymem "github.com/linnemanlabs/vanguard/internal/notify/memstore"
	notifypg "github.com/linnemanlabs/vanguard/internal/notify/pgstore"
	"github.com/linnemanlabs/vanguard/internal/notify/slack"
	"github.com/linnemanlabs/vanguard/internal/pipeline"
	"github.com/linnemanlabs/vanguard/internal/postgres"
	"github.com/linnemanlabs/vanguard/internal/preload"
	"github.com/linnemanlabs/vanguard/internal/telemetry"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

const appName = "vanguard"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix VANGUARD_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "VANGUARD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"sweep_minutes", appCfg.SweepMinutes,
		"preload_window_minutes", appCfg.PreloadWindowMinutes,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Load the tenant registry. Unknown tenants fail closed everywhere, so a
	// bad registry file is fatal at startup rather than per-request.
	tenants, err := tenant.LoadFile(appCfg.TenantsFile)
	if err != nil {
		return fmt.Errorf("tenant registry: %w", err)
	}
	L.Info(ctx, "loaded tenant registry", "file", appCfg.TenantsFile, "tenants", tenants.Len())

	// Initialize the stores. All four share one pool when postgres is
	// configured; otherwise everything is in-memory for local development.
	var (
		alertStore  alert.Store
		notifyStore notify.Store
		meterStore  metering.Store
		eventLog    events.Emitter
	)
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		apg, err := alertpg.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("alert pgstore init: %w", err)
		}
		npg, err := notifypg.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("notify pgstore init: %w", err)
		}
		mpg, err := metering.NewPGStore(ctx, pool)
		if err != nil {
			return fmt.Errorf("metering pgstore init: %w", err)
		}
		epg, err := events.NewPGLog(ctx, pool)
		if err != nil {
			return fmt.Errorf("events pgstore init: %w", err)
		}
		alertStore, notifyStore, meterStore, eventLog = apg, npg, mpg, epg
		L.Info(ctx, "using postgres stores")
	} else {
		alertStore = alertmem.New()
		notifyStore = notifymem.New()
		meterStore = metering.NewMemStore()
		eventLog = events.NewMemLog()
		L.Info(ctx, "using in-memory stores (no database-url configured)")
	}

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vanguard_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Telemetry context KV cache. Entries expire at twice the preload window
	// so a monitoring recheck can still reuse the initial bundle.
	window := time.Duration(appCfg.PreloadWindowMinutes) * time.Minute
	var kv kvstore.Store
	if appCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: appCfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		kv = kvstore.NewRedis(rdb, 2*window)
		L.Info(ctx, "using redis kv cache", "addr", appCfg.RedisAddr)
	} else {
		kv = kvstore.NewMemory()
		L.Info(ctx, "using in-memory kv cache (no redis-addr configured)")
	}

	// Upstream clients: telemetry provider and AI triage service.
	telemetryClient := telemetry.New(appCfg.TelemetryBaseURL)
	describer := telemetry.NewDescriptionSource(telemetryClient)
	preloader := preload.New(telemetryClient, kv, window, L)
	aiClient := ai.New(appCfg.AIBaseURL, appCfg.AIAuthToken)

	// Usage metering with idempotent event recording.
	recorder := metering.NewRecorder(meterStore, L)

	// Domain events fan out to the durable log plus Kafka when brokers are
	// configured.
	fan := events.Fanout{eventLog}
	var kafkaPub *events.KafkaPublisher
	if brokers := appCfg.KafkaBrokerList(); len(brokers) > 0 {
		kafkaPub = events.NewKafkaPublisher(brokers, appCfg.KafkaTopic)
		fan = append(fan, kafkaPub)
		L.Info(ctx, "kafka domain events enabled", "brokers", brokers, "topic", appCfg.KafkaTopic)
	}
	var emitter events.Emitter = fan

	// Notification dispatch. Without carrier credentials the service still
	// triages alerts; it just cannot reach drivers or supervisors.
	resolver := notify.NewResolver(notifyStore)
	tracker := notify.NewTracker(notifyStore, L)
	var notifier pipeline.Notifier
	if appCfg.CarrierAccountSID != "" {
		cc := carrier.New(carrier.Config{
			BaseURL:     appCfg.CarrierBaseURL,
			AccountSID:  appCfg.CarrierAccountSID,
			AuthToken:   appCfg.CarrierAuthToken,
			FromNumber:  appCfg.CarrierFromNumber,
			CallbackURL: appCfg.CarrierCallbackURL,
		})
		notifier = notify.NewDispatcher(notifyStore, resolver, cc, recorder, L)
		L.Info(ctx, "carrier notifications enabled", "from", appCfg.CarrierFromNumber)
	} else {
		L.Warn(ctx, "carrier notifications disabled (no credentials configured)")
	}

	// Slack ops incidents (pipeline failures, panic escalations).
	var ops pipeline.OpsNotifier
	if appCfg.SlackWebhookURL != "" {
		ops = slack.New(appCfg.SlackWebhookURL)
		L.Info(ctx, "ops notifier enabled", "type", "slack")
	}

	// Evidence media archival.
	blobStore, err := media.NewDirStore(appCfg.MediaDir)
	if err != nil {
		return fmt.Errorf("media dir: %w", err)
	}
	persister := media.NewPersister(blobStore, L)

	// Acknowledgement tracking with a periodic overdue sweep.
	attn := attention.New(alertStore, emitter, L)
	go attn.Loop(ctx, time.Duration(appCfg.SweepMinutes)*time.Minute)

	// Async job runner for triage, monitoring rechecks and media persistence.
	runner := jobs.NewRunner(L)

	// Initialize pipeline metrics on the shared Prometheus registry.
	pipelineMetrics := pipeline.NewMetrics(m.Registry())

	svc := pipeline.NewService(pipeline.Deps{
		Store:     alertStore,
		Tenants:   tenants,
		Interp:    aiClient,
		Loader:    preloader,
		Notifier:  notifier,
		Attention: attn,
		Describer: describer,
		Queue:     runner,
		Meter:     recorder,
		Emitter:   emitter,
		Ops:       ops,
		Hooks:     pipelineMetrics.Hooks(),
		Logger:    L,
	})

	runner.Register(jobs.KindProcess, func(ctx context.Context, j jobs.Job) error {
		return svc.Process(ctx, j.AlertID)
	})
	runner.Register(jobs.KindRevalidate, func(ctx context.Context, j jobs.Job) error {
		return svc.Revalidate(ctx, j.AlertID)
	})
	runner.Register(jobs.KindPersistMedia, func(ctx context.Context, j jobs.Job) error {
		loc, err := persister.Persist(ctx, j.URL)
		if err != nil {
			return err
		}
		L.Info(ctx, "persisted evidence media", "alert_id", j.AlertID, "location", loc)
		return nil
	})

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // 64KB covers signal payloads with raw provider JSON attached

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	apiHTTP := api.New(api.Deps{
		Logger:   L,
		Store:    alertStore,
		Tenants:  tenants,
		Queue:    runner,
		Acks:     attn,
		Tracker:  tracker,
		Analyzer: aiClient,
	})
	apiHTTP.RegisterRoutes(r, appCfg.APIAuthToken)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start api HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"job runner", runner.Close},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}
	if kafkaPub != nil {
		stopFns = append(stopFns, stopFn{"kafka publisher", func(context.Context) error {
			return kafkaPub.Close()
		}})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
