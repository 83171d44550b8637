package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

const DefaultPushTimeout = 10 * time.Second

// pushSender is the part of the shoutrrr router used here.
type pushSender interface {
	Send(message string, params *types.Params) []error
}

// newPushSender builds a shoutrrr router for urls with a quiet logger.
func newPushSender(timeout time.Duration, urls ...string) (pushSender, error) {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return sender, nil
}

// ShoutrrrNotifier pushes alerts to the services behind shoutrrr URLs
// (ntfy, telegram, pushover, generic webhooks, ...).
type ShoutrrrNotifier struct {
	sender pushSender
}

func NewShoutrrrNotifier(urls []string, timeout time.Duration) (*ShoutrrrNotifier, error) {
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("shoutrrr: at least one URL is required")
	}
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	sender, err := newPushSender(timeout, clean...)
	if err != nil {
		// shoutrrr errors may echo the URL, which carries tokens.
		return nil, errors.New("shoutrrr: invalid service URL")
	}
	return &ShoutrrrNotifier{sender: sender}, nil
}

func (n *ShoutrrrNotifier) Notify(ctx context.Context, title, body string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := sendPush(n.sender, title, body); err != nil {
		return "", err
	}
	return Handle(uuid.NewString()), nil
}

func sendPush(sender pushSender, title, body string) error {
	params := types.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	var errs []error
	for _, err := range sender.Send(body, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("push: %w", errors.Join(errs...))
	}
	return nil
}
