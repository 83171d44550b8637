package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the notification-access grant is missing.
	ErrPermissionDenied = errors.New("notification listener permission denied")
	// ErrNotListening is returned by operations that need a started listener.
	ErrNotListening = errors.New("notification listener is not running")
	// ErrUnsupported is returned by sources that cannot observe notifications
	// on the current platform.
	ErrUnsupported = errors.New("notification listener is not supported on this platform")
)

// Source is the capability a platform exposes for observing system
// notifications. Implementations are picked when the application is wired
// together.
type Source interface {
	// PermissionGranted reports whether the OS currently allows reading
	// notifications.
	PermissionGranted() bool
	// RequestPermission opens the OS grant flow. It returns once the request
	// was issued; the caller has to poll PermissionGranted for the outcome.
	RequestPermission(ctx context.Context) error

	Start(ctx context.Context) error
	Stop() error
	IsListening() bool

	// Events delivers posted and removed notifications while listening.
	// The channel is owned by the source and stays open across Start/Stop.
	Events() <-chan Event

	ActiveNotifications(ctx context.Context) ([]Event, error)
	Dismiss(ctx context.Context, key string) error
	DismissAll(ctx context.Context) error
}
