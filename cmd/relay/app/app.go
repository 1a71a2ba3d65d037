// Package app wires the ingestion pipelines together: handlers in front,
// accumulators in the middle, sender pools and the disk spool behind, with
// the check-in controller steering the tunables of all of them.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/relayproxy/relay/modules/accumulator"
	"github.com/relayproxy/relay/modules/checkin"
	"github.com/relayproxy/relay/modules/handler"
	"github.com/relayproxy/relay/modules/preprocessor"
	"github.com/relayproxy/relay/modules/queue"
	"github.com/relayproxy/relay/modules/sender"
	"github.com/relayproxy/relay/modules/traces"
	"github.com/relayproxy/relay/pkg/api"
	"github.com/relayproxy/relay/pkg/entity"
	"github.com/relayproxy/relay/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// App is the assembled proxy.
type App struct {
	cfg    Config
	client *api.Client

	pointRules     *preprocessor.PointPreprocessor
	deltaRules     *preprocessor.PointPreprocessor
	histogramRules *preprocessor.PointPreprocessor
	spanRules      *preprocessor.SpanPreprocessor

	pointHandler     *handler.Handler[entity.ReportPoint]
	deltaHandler     *handler.Handler[entity.ReportPoint]
	histogramHandler *handler.Handler[entity.ReportPoint]
	spanHandler      *handler.Handler[entity.Span]
	spanLogsHandler  *handler.Handler[entity.SpanLogRecord]
	sourceTagHandler *handler.Handler[entity.SourceTagOperation]

	deltaAccumulator     *accumulator.DeltaAccumulator
	histogramAccumulator *accumulator.HistogramAccumulator
	traceProcessor       *traces.Processor

	servs   []services.Service
	closers []io.Closer
}

// New builds the App from config. Nothing starts until Run.
func New(cfg Config, version string) (*App, error) {
	a := &App{
		cfg:    cfg,
		client: api.NewClient(cfg.Server, cfg.Token, cfg.HTTPTimeout),
	}

	rules, err := preprocessor.Load(cfg.PreprocessorRules)
	if err != nil {
		return nil, err
	}
	a.pointRules = rules.ForPoints(cfg.Points.Handle)
	a.deltaRules = rules.ForPoints(cfg.DeltaCounters.Handle)
	a.histogramRules = rules.ForPoints(cfg.Histograms.Handle)
	a.spanRules = rules.ForSpans(cfg.Traces.Handle)

	opts, err := a.handlerOptions()
	if err != nil {
		return nil, err
	}

	granularity, err := cfg.Granularity()
	if err != nil {
		return nil, err
	}

	// Sender pools, one per pipeline, each over its own spool directory.
	pools := map[entity.Type]*sender.Pool[string]{}
	props := map[entity.Type]*sender.Properties{}
	lineTypes := []struct {
		t  entity.Type
		pc PipelineConfig
	}{
		{entity.Point, cfg.Points},
		{entity.DeltaCounter, cfg.DeltaCounters},
		{entity.Histogram, cfg.Histograms},
		{entity.Trace, cfg.Traces},
		{entity.SpanLogs, cfg.SpanLogs},
	}
	for _, lt := range lineTypes {
		key := entity.HandlerKey{Entity: lt.t, Handle: lt.pc.Handle}
		spool, err := queue.OpenFileQueue(cfg.SpoolDir, key)
		if err != nil {
			return nil, errors.Wrapf(err, "opening spool for %s", key.String())
		}
		p := sender.NewProperties(lt.t, lt.pc.RateLimit, lt.pc.ItemsPerBatch)
		pool := sender.NewLinePool(key, p, a.client, spool, lt.pc.FlushThreads)
		pools[lt.t], props[lt.t] = pool, p
		a.servs = append(a.servs, pool)
	}

	sourceTagKey := entity.HandlerKey{Entity: entity.SourceTag, Handle: cfg.SourceTags.Handle}
	sourceTagSpool, err := queue.OpenFileQueue(cfg.SpoolDir, sourceTagKey)
	if err != nil {
		return nil, errors.Wrapf(err, "opening spool for %s", sourceTagKey.String())
	}
	sourceTagProps := sender.NewProperties(entity.SourceTag, cfg.SourceTags.RateLimit, cfg.SourceTags.ItemsPerBatch)
	sourceTagPool := sender.NewSourceTagPool(sourceTagKey, sourceTagProps, a.client, sourceTagSpool)
	props[entity.SourceTag] = sourceTagProps
	a.servs = append(a.servs, sourceTagPool)

	// Accumulators feed back into the pools, bypassing re-validation.
	a.deltaAccumulator = accumulator.NewDeltaAccumulator(
		entity.HandlerKey{Entity: entity.DeltaCounter, Handle: cfg.DeltaCounters.Handle},
		cfg.DeltaAggregationInterval,
		func(p entity.ReportPoint) { pools[entity.DeltaCounter].Add(p.Line()) })
	a.histogramAccumulator = accumulator.NewHistogramAccumulator(
		entity.HandlerKey{Entity: entity.Histogram, Handle: cfg.Histograms.Handle},
		granularity, cfg.HistogramSettling,
		func(p entity.ReportPoint) { pools[entity.Histogram].Add(p.Line()) })
	a.servs = append(a.servs, a.deltaAccumulator, a.histogramAccumulator)

	// Handlers route validated items to accumulators or straight to pools.
	// Delta-prefixed metrics arriving on the point pipeline are handed over
	// to the delta pipeline before validation, so each handler accounts for
	// its own entity type.
	a.deltaHandler = handler.NewDeltaCounterHandler(
		entity.HandlerKey{Entity: entity.DeltaCounter, Handle: cfg.DeltaCounters.Handle},
		cfg.Validation,
		handler.EmitterFunc[entity.ReportPoint](a.deltaAccumulator.Add), opts)

	a.pointHandler = handler.NewPointHandler(
		entity.HandlerKey{Entity: entity.Point, Handle: cfg.Points.Handle},
		cfg.Validation,
		handler.EmitterFunc[entity.ReportPoint](func(p entity.ReportPoint) {
			pools[entity.Point].Add(p.Line())
		}), opts)

	a.histogramHandler = handler.NewPointHandler(
		entity.HandlerKey{Entity: entity.Histogram, Handle: cfg.Histograms.Handle},
		cfg.Validation,
		handler.EmitterFunc[entity.ReportPoint](a.histogramAccumulator.Add), opts)

	a.spanHandler = handler.NewSpanHandler(
		entity.HandlerKey{Entity: entity.Trace, Handle: cfg.Traces.Handle},
		cfg.Validation,
		handler.EmitterFunc[entity.Span](func(s entity.Span) {
			pools[entity.Trace].Add(s.Line())
		}), opts)

	a.spanLogsHandler = handler.NewSpanLogsHandler(
		entity.HandlerKey{Entity: entity.SpanLogs, Handle: cfg.SpanLogs.Handle},
		handler.EmitterFunc[entity.SpanLogRecord](func(r entity.SpanLogRecord) {
			raw, err := json.Marshal(r)
			if err != nil {
				level.Error(log.Logger).Log("msg", "failed to serialize span logs", "err", err)
				return
			}
			pools[entity.SpanLogs].Add(string(raw))
		}), opts)

	a.sourceTagHandler = handler.NewSourceTagHandler(sourceTagKey,
		handler.EmitterFunc[entity.SourceTagOperation](sourceTagPool.Add), opts)

	// Trace fan-in ahead of the span handler. Derived points ride the
	// regular pipelines.
	a.traceProcessor = traces.NewProcessor(cfg.Traces.Handle,
		traces.NewRateSampler(cfg.SpanSamplingRate), cfg.AlwaysSampleErrors,
		spanSink{a.spanHandler}, func(p entity.ReportPoint) {
			switch {
			case entity.IsDelta(p.Metric):
				a.deltaAccumulator.Add(p)
			case p.Distribution != nil:
				pools[entity.Histogram].Add(p.Line())
			default:
				pools[entity.Point].Add(p.Line())
			}
		})
	a.servs = append(a.servs, a.traceProcessor)

	// Check-in steers every Properties instance plus the trace knobs.
	proxyID, err := loadProxyID(cfg.ProxyIDPath)
	if err != nil {
		return nil, err
	}
	hostname := cfg.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			return nil, errors.Wrap(err, "resolving hostname")
		}
	}
	controller := checkin.NewController(checkin.Config{
		ProxyID:   proxyID,
		Hostname:  hostname,
		Version:   version,
		Ephemeral: cfg.Ephemeral,
	}, a.client, prometheus.DefaultGatherer, props, a.traceProcessor)
	a.servs = append(a.servs, controller)

	// Stats printer over every pipeline.
	sources := []handler.StatsSource{
		a.pointHandler, a.deltaHandler, a.histogramHandler,
		a.spanHandler, a.spanLogsHandler, a.sourceTagHandler,
	}
	queues := map[entity.HandlerKey]handler.QueueStatsSource{}
	for t, pool := range pools {
		queues[entity.HandlerKey{Entity: t, Handle: pool.Key().Handle}] = pool
	}
	queues[sourceTagKey] = sourceTagPool
	a.servs = append(a.servs, handler.NewStatsPrinter(sources, queues))

	a.servs = append(a.servs, a.httpService())
	return a, nil
}

func (a *App) handlerOptions() (handler.Options, error) {
	opts := handler.Options{
		BlockedLogRate: float64(sender.DefaultBatchSizePoints) / 10,
	}
	if a.cfg.BlockedItemsLog != "" {
		logger, closer, err := log.NewFileLogger(a.cfg.BlockedItemsLog)
		if err != nil {
			return opts, errors.Wrap(err, "opening blocked items log")
		}
		opts.BlockedLog = logger
		a.closers = append(a.closers, closer)
	}
	if a.cfg.ValidItemsLog != "" {
		logger, closer, err := log.NewFileLogger(a.cfg.ValidItemsLog)
		if err != nil {
			return opts, errors.Wrap(err, "opening valid items log")
		}
		opts.ValidLog = logger
		a.closers = append(a.closers, closer)
	}
	return opts, nil
}

// ReportPoint feeds one decoded point through the point pipeline. Delta
// counters share the point listener, so a delta-prefixed metric is routed
// to the delta pipeline instead.
func (a *App) ReportPoint(p entity.ReportPoint) error {
	a.pointRules.Process(&p)
	if entity.IsDelta(p.Metric) {
		return a.deltaHandler.Report(p)
	}
	return a.pointHandler.Report(p)
}

// ReportDeltaCounter feeds one decoded point through the delta counter
// pipeline, which accepts nothing but delta-prefixed metrics.
func (a *App) ReportDeltaCounter(p entity.ReportPoint) error {
	a.deltaRules.Process(&p)
	return a.deltaHandler.Report(p)
}

// ReportHistogram feeds one decoded distribution or histogram sample.
func (a *App) ReportHistogram(p entity.ReportPoint) error {
	a.histogramRules.Process(&p)
	if err := a.histogramAccumulator.CheckGranularity(&p); err != nil {
		a.histogramHandler.Block(p, err.Error())
		return err
	}
	return a.histogramHandler.Report(p)
}

// ReportSpan feeds one decoded span through preprocessing, sampling and RED
// derivation.
func (a *App) ReportSpan(s entity.Span) error {
	a.spanRules.Process(&s)
	a.traceProcessor.Process(s)
	return nil
}

// ReportSpanLogs feeds one span log record.
func (a *App) ReportSpanLogs(r entity.SpanLogRecord) error {
	return a.spanLogsHandler.Report(r)
}

// ReportSourceTag feeds one source tag operation.
func (a *App) ReportSourceTag(op entity.SourceTagOperation) error {
	return a.sourceTagHandler.Report(op)
}

// Run starts every service and blocks until a signal arrives or a service
// fails.
func (a *App) Run() error {
	sm, err := services.NewManager(a.servs...)
	if err != nil {
		return errors.Wrap(err, "building service manager")
	}

	healthy := func() { level.Info(log.Logger).Log("msg", "relay started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "relay stopped") }
	serviceFailed := func(s services.Service) {
		sm.StopAsync()
		level.Error(log.Logger).Log("msg", "service failed", "err", s.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		level.Info(log.Logger).Log("msg", "shutting down on signal")
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting services")
	}
	err = sm.AwaitStopped(context.Background())
	for _, c := range a.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

type spanSink struct {
	h *handler.Handler[entity.Span]
}

func (s spanSink) Report(span entity.Span) error { return s.h.Report(span) }

// httpService serves /metrics, /ready and /config.
func (a *App) httpService() services.Service {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ready")
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(redacted(a.cfg))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(out)
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPListenPort),
		Handler: mux,
	}

	running := func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	}
	return services.NewBasicService(nil, running, nil)
}

func redacted(cfg Config) Config {
	if cfg.Token != "" {
		cfg.Token = "<redacted>"
	}
	return cfg
}

// loadProxyID reads the persisted proxy UUID, generating and persisting a
// fresh one on first start.
func loadProxyID(path string) (uuid.UUID, error) {
	if raw, err := os.ReadFile(path); err == nil {
		id, err := uuid.Parse(strings.TrimSpace(string(raw)))
		if err == nil {
			return id, nil
		}
		level.Warn(log.Logger).Log("msg", "unreadable proxy id file, generating a new identity", "path", path)
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, errors.Wrap(err, "persisting proxy id")
	}
	return id, nil
}
