package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// LogNotifier is the fallback for hosts without a notification surface. It
// writes the alert to the logger and, when set, to w.
type LogNotifier struct {
	logger *slog.Logger

	mu sync.Mutex
	w  io.Writer
}

func NewLogNotifier(logger *slog.Logger, w io.Writer) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify.log"), w: w}
}

func (n *LogNotifier) Notify(ctx context.Context, title, body string) (Handle, error) {
	n.logger.Warn(title, "body", body)
	if n.w == nil {
		return MockHandle, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := fmt.Fprintf(n.w, "%s\n%s\n", title, body); err != nil {
		return "", fmt.Errorf("write alert: %w", err)
	}
	return MockHandle, nil
}
