// Package pipeline runs each captured notification through filtering,
// analysis, classification, storage and alerting.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"msgguard/alert"
	"msgguard/analysis"
	"msgguard/capture"
	"msgguard/filter"
	"msgguard/history"
	"msgguard/notify"
)

const (
	DefaultMaxInFlight   = 16
	DefaultNotifyTimeout = 10 * time.Second
)

// State is where an event's run ended.
type State string

const (
	StateIgnored   State = "ignored"
	StateRejected  State = "rejected"
	StateDuplicate State = "duplicate"
	StateDropped   State = "dropped"
	StatePersisted State = "persisted"
	StateNotified  State = "notified"
)

// Outcome is the result of processing one event.
type Outcome struct {
	State   State
	Verdict filter.Verdict
	Level   alert.Level
	Item    history.Item
	Handle  notify.Handle
	// Err is why the event was dropped, or why a persisted alert could not
	// be delivered.
	Err error
}

type RunnerConfig struct {
	// MaxInFlight bounds concurrently processed events.
	MaxInFlight   int64
	NotifyTimeout time.Duration
}

// Deps are the components a Runner drives. Dedup, Notifier and Metrics are
// optional. A nil Classifier means alert.DefaultClassifier.
type Deps struct {
	Filter     *filter.Filter
	Dedup      *filter.Deduplicator
	Analyzer   analysis.Analyzer
	Classifier *alert.Classifier
	Store      *history.Store
	Notifier   notify.Notifier
	Metrics    *Metrics
	Logger     *slog.Logger
}

type Runner struct {
	cfg        RunnerConfig
	deps       Deps
	classifier alert.Classifier
	log        *slog.Logger
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
}

func NewRunner(cfg RunnerConfig, deps Deps) (*Runner, error) {
	switch {
	case deps.Filter == nil:
		return nil, errors.New("pipeline: filter is required")
	case deps.Analyzer == nil:
		return nil, errors.New("pipeline: analyzer is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: history store is required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	classifier := alert.DefaultClassifier()
	if deps.Classifier != nil {
		classifier = *deps.Classifier
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{
		cfg:        cfg,
		deps:       deps,
		classifier: classifier,
		log:        deps.Logger.With("component", "pipeline"),
		sem:        semaphore.NewWeighted(cfg.MaxInFlight),
	}, nil
}

// Process runs one event to its terminal state. It never retries; failures
// are reported in the Outcome.
func (r *Runner) Process(ctx context.Context, ev capture.Event) Outcome {
	out := r.process(ctx, ev)
	r.deps.Metrics.observeState(out.State)
	return out
}

func (r *Runner) process(ctx context.Context, ev capture.Event) Outcome {
	if ev.Kind == capture.KindRemoved {
		return Outcome{State: StateIgnored}
	}

	verdict := r.deps.Filter.Evaluate(ev)
	if verdict != filter.Pass {
		r.log.Debug("event rejected", "package", ev.PackageName, "key", ev.Key, "verdict", verdict.String())
		return Outcome{State: StateRejected, Verdict: verdict}
	}
	if r.deps.Dedup.Seen(ev) {
		r.log.Debug("duplicate event", "package", ev.PackageName, "key", ev.Key)
		return Outcome{State: StateDuplicate, Verdict: verdict}
	}

	sender, body := ev.Sender(), ev.Body()
	start := time.Now()
	res := r.deps.Analyzer.Analyze(ctx, analysis.Request{Sender: sender, Content: body})

	var success analysis.Success
	switch v := res.(type) {
	case analysis.Success:
		r.deps.Metrics.observeAnalysis("success", time.Since(start))
		success = v
	case analysis.Failure:
		r.deps.Metrics.observeAnalysis("failure", time.Since(start))
		r.log.Warn("analysis failed, dropping event", "package", ev.PackageName, "code", v.Code, "status", v.StatusCode, "message", v.Message)
		return Outcome{State: StateDropped, Verdict: verdict, Err: v}
	default:
		r.log.Error("analyzer returned no result", "package", ev.PackageName)
		return Outcome{State: StateDropped, Verdict: verdict, Err: errors.New("analyzer returned no result")}
	}

	level := r.classifier.Classify(success.RiskScore)
	item, err := r.deps.Store.Save(ctx, history.Input{
		Sender:      sender,
		Content:     body,
		RiskScore:   success.Score(),
		Reason:      success.Reason,
		PackageName: ev.PackageName,
		AlertLevel:  level,
	})
	if err != nil {
		r.log.Error("failed to save history item, dropping event", "package", ev.PackageName, "error", err)
		return Outcome{State: StateDropped, Verdict: verdict, Level: level, Err: err}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.AlertsTotal.WithLabelValues(string(level)).Inc()
	}
	r.log.Info("message analyzed", "id", item.ID, "package", ev.PackageName, "risk_score", item.RiskScore, "level", string(level))

	out := Outcome{State: StatePersisted, Verdict: verdict, Level: level, Item: item}
	if level.IsSafe() || r.deps.Notifier == nil {
		return out
	}

	nctx, cancel := context.WithTimeout(ctx, r.cfg.NotifyTimeout)
	defer cancel()
	h, err := r.deps.Notifier.Notify(nctx, notify.AlertTitle, notify.AlertBody(sender, level))
	if err != nil {
		if r.deps.Metrics != nil {
			r.deps.Metrics.NotifyErrors.Inc()
		}
		r.log.Warn("failed to deliver alert", "id", item.ID, "error", err)
		out.Err = err
	}
	if h != "" {
		out.State = StateNotified
		out.Handle = h
	}
	return out
}

// Run consumes events until ctx ends or the channel closes. Each posted
// event is processed in its own goroutine, at most MaxInFlight at a time.
// Run returns after in-flight events finish.
func (r *Runner) Run(ctx context.Context, events <-chan capture.Event) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == capture.KindRemoved {
				continue
			}
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			r.wg.Add(1)
			if r.deps.Metrics != nil {
				r.deps.Metrics.InFlight.Inc()
			}
			go func(ev capture.Event) {
				defer func() {
					if r.deps.Metrics != nil {
						r.deps.Metrics.InFlight.Dec()
					}
					r.sem.Release(1)
					r.wg.Done()
				}()
				// Detached from ctx: Run waits for in-flight events.
				r.Process(context.WithoutCancel(ctx), ev)
			}(ev)
		}
	}
}
