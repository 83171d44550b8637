package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// PackageSetter receives the monitored package allow-list.
type PackageSetter interface {
	SetPackages(pkgs []string)
	Packages() []string
}

// EndpointSetter receives the scoring service endpoint.
type EndpointSetter interface {
	SetEndpoint(endpoint string) error
	Endpoint() string
}

// Bridge is the narrow surface the application layer uses to drive the
// platform listener. The endpoint and the target allow-list are pushed
// through it at startup and forwarded to the components that consume them.
type Bridge struct {
	src      Source
	targets  PackageSetter
	endpoint EndpointSetter
	logger   *slog.Logger

	mu           sync.RWMutex
	endpointOnly string
}

// Status is a snapshot of the bridge state.
type Status struct {
	PermissionGranted bool     `json:"permissionGranted"`
	Listening         bool     `json:"listening"`
	Endpoint          string   `json:"endpoint"`
	TargetPackages    []string `json:"targetPackages"`
}

// NewBridge wires the source to its consumers. targets and endpoint may be
// nil; the bridge then only remembers the values.
func NewBridge(src Source, targets PackageSetter, endpoint EndpointSetter, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		src:      src,
		targets:  targets,
		endpoint: endpoint,
		logger:   logger.With("component", "capture.bridge"),
	}
}

func (b *Bridge) Source() Source {
	return b.src
}

func (b *Bridge) PermissionGranted() bool {
	return b.src.PermissionGranted()
}

func (b *Bridge) RequestPermission(ctx context.Context) error {
	b.logger.Info("requesting notification listener permission")
	return b.src.RequestPermission(ctx)
}

// StartListening registers the event callbacks. It fails with
// ErrPermissionDenied when access has not been granted.
func (b *Bridge) StartListening(ctx context.Context) error {
	if !b.src.PermissionGranted() {
		return ErrPermissionDenied
	}
	if err := b.src.Start(ctx); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}
	b.logger.Info("listener started")
	return nil
}

func (b *Bridge) StopListening() error {
	if err := b.src.Stop(); err != nil {
		return fmt.Errorf("stop listening: %w", err)
	}
	b.logger.Info("listener stopped")
	return nil
}

func (b *Bridge) IsListening() bool {
	return b.src.IsListening()
}

func (b *Bridge) Events() <-chan Event {
	return b.src.Events()
}

func (b *Bridge) ActiveNotifications(ctx context.Context) ([]Event, error) {
	return b.src.ActiveNotifications(ctx)
}

func (b *Bridge) DismissNotification(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("dismiss notification: empty key")
	}
	return b.src.Dismiss(ctx, key)
}

func (b *Bridge) DismissAllNotifications(ctx context.Context) error {
	return b.src.DismissAll(ctx)
}

func (b *Bridge) SetAPIEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if b.endpoint != nil {
		if err := b.endpoint.SetEndpoint(endpoint); err != nil {
			return err
		}
	} else {
		b.mu.Lock()
		b.endpointOnly = endpoint
		b.mu.Unlock()
	}
	b.logger.Info("api endpoint updated", "endpoint", endpoint)
	return nil
}

func (b *Bridge) APIEndpoint() string {
	if b.endpoint != nil {
		return b.endpoint.Endpoint()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpointOnly
}

func (b *Bridge) SetTargetPackages(pkgs []string) {
	clean := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		p = strings.TrimSpace(p)
		if p != "" {
			clean = append(clean, p)
		}
	}
	if b.targets != nil {
		b.targets.SetPackages(clean)
	}
	b.logger.Info("target packages updated", "packages", clean)
}

func (b *Bridge) TargetPackages() []string {
	if b.targets == nil {
		return nil
	}
	return b.targets.Packages()
}

func (b *Bridge) Status() Status {
	return Status{
		PermissionGranted: b.PermissionGranted(),
		Listening:         b.IsListening(),
		Endpoint:          b.APIEndpoint(),
		TargetPackages:    b.TargetPackages(),
	}
}
