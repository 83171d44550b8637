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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"msgguard/alert"
	"msgguard/analysis"
	"msgguard/api"
	"msgguard/capture"
	"msgguard/config"
	"msgguard/filter"
	"msgguard/history"
	"msgguard/notify"
	"msgguard/pipeline"
	"msgguard/settings"
)

const (
	shutdownTimeout   = 10 * time.Second
	mqttConnectWait   = 15 * time.Second
	permissionRecheck = 2 * time.Second
)

type serveFlags struct {
	listen   string
	endpoint string
	source   string
	mock     bool
	stdin    bool
}

func newServeCmd(g *globalFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification pipeline and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.API.Listen = sf.listen
			}
			if flags.Changed("endpoint") {
				cfg.Analysis.Endpoint = sf.endpoint
			}
			if flags.Changed("source") {
				cfg.Source.Type = sf.source
			}
			if flags.Changed("mock-analysis") {
				cfg.Analysis.Mock = sf.mock
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			var in io.Reader
			if sf.stdin {
				in = cmd.InOrStdin()
			}
			return serve(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), in)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.listen, "listen", "127.0.0.1:8787", "HTTP API listen address (overrides api.listen).")
	f.StringVar(&sf.endpoint, "endpoint", "", "Fraud-analysis service base URL (overrides analysis.endpoint).")
	f.StringVar(&sf.source, "source", "memory", "Notification source: mqtt, memory or none (overrides source.type).")
	f.BoolVar(&sf.mock, "mock-analysis", false, "Score messages locally instead of calling the analysis service.")
	f.BoolVar(&sf.stdin, "stdin", false, "Feed JSON notification events from stdin into the memory source.")
	return cmd
}

func serve(ctx context.Context, cfg *config.FileConfig, stdout, stderr io.Writer, events io.Reader) error {
	logger, logCloser, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	kv, err := history.OpenSQLiteKV(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer kv.Close()

	store := history.NewStore(kv, history.Options{
		Namespace: cfg.History.Namespace,
		MaxItems:  cfg.History.MaxItems,
		CacheTTL:  cfg.History.CacheTTL,
		Logger:    logger,
	})
	defer store.Close()
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize history: %w", err)
	}
	settingsStore := settings.NewStore(kv)

	classifier, err := alert.NewClassifier(cfg.Classifier.Low, cfg.Classifier.High)
	if err != nil {
		return err
	}
	flt := filter.New(cfg.Targets.Items, cfg.Rules)
	analyzer, endpoints := buildAnalyzer(cfg, logger)
	notifier, err := buildNotifier(cfg, logger, stdout)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := pipeline.NewMetrics(reg)
	if err != nil {
		return err
	}

	src, closeSource, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	bridge := capture.NewBridge(src, flt, endpoints, logger)
	if err := bridge.SetAPIEndpoint(cfg.Analysis.Endpoint); err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		MaxInFlight:   cfg.Pipeline.MaxInFlight,
		NotifyTimeout: cfg.Notify.Timeout,
	}, pipeline.Deps{
		Filter:     flt,
		Dedup:      filter.NewDeduplicator(cfg.DedupWindow),
		Analyzer:   analyzer,
		Classifier: &classifier,
		Store:      store,
		Notifier:   notifier,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	e := api.New(&api.Controller{
		History:   store,
		Settings:  settingsStore,
		Bridge:    bridge,
		Escalator: notify.NewEscalator(settingsStore, cfg.Notify.PushTimeout, logger),
		Gatherer:  reg,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.API.Listen)
		if err := e.Start(cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error {
		return listen(gctx, cfg, bridge, runner, events, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

// listen waits for notification access, then feeds the bridge's events to
// the runner until ctx ends.
func listen(ctx context.Context, cfg *config.FileConfig, bridge *capture.Bridge, runner *pipeline.Runner, in io.Reader, logger *slog.Logger) error {
	res, err := capture.WaitForPermission(ctx, bridge.Source(), capture.PermissionPolicy{
		Interval: cfg.Permission.Interval,
		MaxWait:  cfg.Permission.MaxWait,
	})
	if ctx.Err() != nil {
		return nil
	}
	if res != capture.PermissionGranted {
		logger.Warn("notification access not granted, listener stays off", "result", res.String(), "error", err)
		if !awaitGrant(ctx, bridge) {
			return nil
		}
	}

	if err := bridge.StartListening(ctx); err != nil {
		return err
	}
	defer func() { _ = bridge.StopListening() }()

	go keepListening(ctx, bridge, permissionRecheck, logger)
	if mem, ok := bridge.Source().(*capture.MemorySource); ok && in != nil {
		go feedEvents(ctx, mem, in, logger)
	}

	if err := runner.Run(ctx, bridge.Events()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// awaitGrant polls until access is granted through another path, e.g. the
// permission endpoint of the API. It reports false when ctx ends first.
func awaitGrant(ctx context.Context, bridge *capture.Bridge) bool {
	t := time.NewTicker(permissionRecheck)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if bridge.PermissionGranted() {
				return true
			}
		}
	}
}

// keepListening restarts the listener when access comes back after a revoke.
// A revoke stops the source but leaves the event channel open, so the runner
// keeps reading across the gap.
func keepListening(ctx context.Context, bridge *capture.Bridge, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if bridge.IsListening() || !bridge.PermissionGranted() {
				continue
			}
			if err := bridge.StartListening(ctx); err != nil {
				logger.Warn("restart listener after re-grant", "error", err)
				continue
			}
			logger.Info("notification access granted again, listener restarted")
		}
	}
}

// feedEvents posts newline-delimited JSON events to a memory source.
func feedEvents(ctx context.Context, src *capture.MemorySource, in io.Reader, logger *slog.Logger) {
	dec := json.NewDecoder(in)
	for {
		var ev capture.Event
		if err := dec.Decode(&ev); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("stop reading events from stdin", "error", err)
			}
			return
		}
		if _, err := src.Post(ctx, ev); err != nil {
			return
		}
	}
}

func buildAnalyzer(cfg *config.FileConfig, logger *slog.Logger) (analysis.Analyzer, capture.EndpointSetter) {
	if cfg.Analysis.Mock {
		logger.Warn("analysis service disabled, using mock scores")
		return analysis.MockAnalyzer{Score: cfg.Analysis.MockScore}, nil
	}
	client := analysis.NewHTTPClient(analysis.HTTPConfig{
		ConnectTimeout: cfg.Analysis.ConnectTimeout,
		ReadTimeout:    cfg.Analysis.ReadTimeout,
		WriteTimeout:   cfg.Analysis.WriteTimeout,
		RateLimit:      cfg.Analysis.RateLimit,
		Burst:          cfg.Analysis.Burst,
	}, logger)
	return client, client
}

func buildNotifier(cfg *config.FileConfig, logger *slog.Logger, stdout io.Writer) (notify.Notifier, error) {
	var out notify.Multi
	if cfg.Notify.Log != nil && *cfg.Notify.Log {
		out = append(out, notify.NewLogNotifier(logger, stdout))
	}
	if len(cfg.Notify.ShoutrrrURLs) > 0 {
		n, err := notify.NewShoutrrrNotifier(cfg.Notify.ShoutrrrURLs, cfg.Notify.PushTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if cfg.Notify.Syslog.Addr != "" {
		out = append(out, notify.NewSyslogNotifier(notify.SyslogConfig{
			Addr:    cfg.Notify.Syslog.Addr,
			AppName: cfg.Notify.Syslog.AppName,
			SDID:    cfg.Notify.Syslog.SDID,
			Labels:  cfg.Notify.Syslog.Labels,
		}))
	}
	switch len(out) {
	case 0:
		logger.Warn("no notifier configured, alerts are only stored")
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

func buildSource(ctx context.Context, cfg *config.FileConfig, logger *slog.Logger) (capture.Source, func(), error) {
	switch cfg.Source.Type {
	case config.SourceMQTT:
		src := capture.NewMQTTSource(capture.MQTTConfig{
			Broker:      cfg.Source.MQTT.Broker,
			ClientID:    cfg.Source.MQTT.ClientID,
			Username:    cfg.Source.MQTT.Username,
			Password:    cfg.Source.MQTT.Password,
			TopicPrefix: cfg.Source.MQTT.TopicPrefix,
			QoS:         cfg.Source.MQTT.QoS,
		}, logger)
		cctx, cancel := context.WithTimeout(ctx, mqttConnectWait)
		defer cancel()
		if err := src.Connect(cctx); err != nil {
			_ = src.Close()
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	case config.SourceNone:
		return capture.NewNoopSource(), func() {}, nil
	default:
		return capture.NewMemorySource(capture.WithAutoGrant()), func() {}, nil
	}
}
