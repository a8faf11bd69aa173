// Package alert delivers confirmed fall alerts to caregivers.
//
// Each Dispatcher makes a single delivery attempt. Callers own retries (the
// confirmation machine makes none) and are expected to log failures rather
// than propagate them.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/fallwatch/internal/monitoring"
)

// ErrTransport wraps every delivery failure.
var ErrTransport = errors.New("alert transport failed")

// Reason records why an episode was escalated.
type Reason string

const (
	ReasonConfirmed Reason = "confirmed" // the person answered "Yes"
	ReasonNoAnswer  Reason = "no_answer" // the watchdog expired
)

// Alert is one outbound notification. Snapshot is empty when capture failed.
type Alert struct {
	EpisodeID  string    `json:"episode_id"`
	Reason     Reason    `json:"reason"`
	Snapshot   string    `json:"snapshot,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Recipients []string  `json:"recipients,omitempty"`
	At         time.Time `json:"at"`
}

// Dispatcher sends an alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Alert) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, a Alert) error

func (f DispatcherFunc) Dispatch(ctx context.Context, a Alert) error { return f(ctx, a) }

func transportError(kind string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, kind, err)
}

// Multi fans an alert out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes the alert to the process log. Useful when no transport is
// configured.
type Log struct{}

func (Log) Dispatch(_ context.Context, a Alert) error {
	snap := a.Snapshot
	if snap == "" {
		snap = "none"
	}
	monitoring.Logf("ALERT episode=%s reason=%s subject=%q snapshot=%s recipients=%v",
		a.EpisodeID, a.Reason, a.Subject, snap, a.Recipients)
	return nil
}
