package capture

import (
	"context"
	"fmt"
	"time"
)

// PermissionResult is the outcome of the startup permission gate.
type PermissionResult int

const (
	PermissionGranted PermissionResult = iota
	PermissionDenied
	PermissionTimedOut
)

func (r PermissionResult) String() string {
	switch r {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	case PermissionTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("PermissionResult(%d)", int(r))
	}
}

const (
	DefaultPermissionInterval = 200 * time.Millisecond
	DefaultPermissionMaxWait  = 10 * time.Second
)

// PermissionPolicy bounds the permission polling loop.
type PermissionPolicy struct {
	Interval time.Duration
	MaxWait  time.Duration
}

func DefaultPermissionPolicy() PermissionPolicy {
	return PermissionPolicy{Interval: DefaultPermissionInterval, MaxWait: DefaultPermissionMaxWait}
}

func (p PermissionPolicy) attempts() int {
	if p.Interval <= 0 {
		p.Interval = DefaultPermissionInterval
	}
	if p.MaxWait <= 0 {
		return 1
	}
	n := int(p.MaxWait / p.Interval)
	if p.MaxWait%p.Interval != 0 {
		n++
	}
	return n
}

// WaitForPermission asks the OS for notification access when it is missing
// and polls until it is granted or the policy runs out. The OS grant screen
// gives no callback, so polling is the only way to learn the outcome.
//
// A non-nil error is returned only when the request itself failed or ctx
// ended; the result is PermissionDenied in both cases.
func WaitForPermission(ctx context.Context, src Source, policy PermissionPolicy) (PermissionResult, error) {
	if src.PermissionGranted() {
		return PermissionGranted, nil
	}
	if err := src.RequestPermission(ctx); err != nil {
		return PermissionDenied, fmt.Errorf("request permission: %w", err)
	}

	interval := policy.Interval
	if interval <= 0 {
		interval = DefaultPermissionInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for i := 0; i < policy.attempts(); i++ {
		if src.PermissionGranted() {
			return PermissionGranted, nil
		}
		select {
		case <-ctx.Done():
			return PermissionDenied, ctx.Err()
		case <-timer.C:
			timer.Reset(interval)
		}
	}
	if src.PermissionGranted() {
		return PermissionGranted, nil
	}
	return PermissionTimedOut, nil
}
