package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"msgguard/history"
	"msgguard/settings"
)

var ErrNoGuardians = errors.New("no guardians configured")

const escalationPreview = 200

// Escalator forwards a history item to the user's guardians, each through
// their own shoutrrr URL.
type Escalator struct {
	settings  *settings.Store
	timeout   time.Duration
	logger    *slog.Logger
	newSender func(timeout time.Duration, urls ...string) (pushSender, error)
}

func NewEscalator(st *settings.Store, timeout time.Duration, logger *slog.Logger) *Escalator {
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		settings:  st,
		timeout:   timeout,
		logger:    logger.With("component", "notify.escalate"),
		newSender: newPushSender,
	}
}

// EscalationMessage renders the text sent to guardians.
func EscalationMessage(item history.Item) string {
	content := item.Content
	if utf8.RuneCountInString(content) > escalationPreview {
		content = string([]rune(content)[:escalationPreview]) + "…"
	}
	return fmt.Sprintf("보호 대상자에게 의심 문자가 도착했습니다.\n발신자: %s\n위험도: %d (%s)\n사유: %s\n\n%s",
		item.Sender, item.RiskScore, item.AlertLevel, item.Reason, content)
}

// Escalate sends item to every guardian and returns the ids of those that
// were reached. Failures for individual guardians are joined into the error.
func (e *Escalator) Escalate(ctx context.Context, item history.Item) ([]string, error) {
	st, err := e.settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(st.Guardians) == 0 {
		return nil, ErrNoGuardians
	}

	msg := EscalationMessage(item)
	var (
		reached []string
		errs    []error
	)
	for _, g := range st.Guardians {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sender, err := e.newSender(e.timeout, g.NotifyURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("guardian %s: invalid notification URL", g.ID))
			continue
		}
		if err := sendPush(sender, AlertTitle, msg); err != nil {
			errs = append(errs, fmt.Errorf("guardian %s: %w", g.ID, err))
			continue
		}
		reached = append(reached, g.ID)
	}
	e.logger.Info("escalated alert", "item", item.ID, "reached", len(reached), "failed", len(errs))
	return reached, errors.Join(errs...)
}
