// Package notify surfaces risk alerts to the user and to their guardians.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"msgguard/alert"
)

// AlertTitle is the title of every risk alert.
const AlertTitle = "⚠️의심 문자입니다"

// Handle identifies a delivered notification.
type Handle string

// MockHandle is returned by notifiers that have no delivery receipt.
const MockHandle Handle = "mock-notification"

// Notifier delivers one alert. Delivery is best effort; callers log errors
// and carry on.
type Notifier interface {
	Notify(ctx context.Context, title, body string) (Handle, error)
}

// AlertBody renders the alert text for a message from sender.
func AlertBody(sender string, level alert.Level) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		sender = "알 수 없는 발신자"
	}
	switch level {
	case alert.LevelHigh:
		return fmt.Sprintf("%s 님이 보낸 문자가 위험합니다. 링크를 누르거나 송금하지 마세요.", sender)
	case alert.LevelMedium:
		return fmt.Sprintf("%s 님이 보낸 문자에 주의가 필요합니다.", sender)
	default:
		return fmt.Sprintf("%s 님이 보낸 문자를 확인했습니다.", sender)
	}
}

// Multi fans an alert out to every notifier. It returns the first handle
// that was delivered and the joined errors of the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, body string) (Handle, error) {
	var (
		first Handle
		errs  []error
	)
	for _, n := range m {
		h, err := n.Notify(ctx, title, body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first == "" {
			first = h
		}
	}
	if first == "" && len(errs) == 0 {
		return "", errors.New("no notifier configured")
	}
	return first, errors.Join(errs...)
}
