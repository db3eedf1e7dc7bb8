// Package notifier posts desktop notifications when an invocation finishes
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/types"
)

// Config represents notification configuration
type Config struct {
	Enabled bool
	// OnSuccess also notifies about successful invocations
	OnSuccess bool
	// Sound beeps on failure
	Sound bool
}

// Notifier is a types.Listener that reports invocation summaries
type Notifier struct {
	config Config
	logger logger.Logger
	send   func(title, message string) error
	beep   func() error
}

// New creates a new notifier
func New(config Config, log logger.Logger) *Notifier {
	return &Notifier{
		config: config,
		logger: log,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
}

// NewWithSender creates a notifier delivering through send instead of the
// desktop
func NewWithSender(config Config, log logger.Logger, send func(title, message string) error) *Notifier {
	n := New(config, log)
	n.send = send
	n.beep = func() error { return nil }
	return n
}

func (n *Notifier) NodeStarted(context.Context, string) {}

func (n *Notifier) NodeFinished(context.Context, types.Outcome) {}

// InvocationFinished sends one notification for the whole invocation
func (n *Notifier) InvocationFinished(_ context.Context, s types.Summary) {
	if !n.config.Enabled {
		return
	}

	switch {
	case s.Aborted:
		n.notify("⛔ spectre aborted", s.String())
	case len(s.Failed) > 0:
		n.notify("❌ spectre failed", failureMessage(s))
		if n.config.Sound {
			if err := n.beep(); err != nil {
				n.logger.Debug("Failed to play sound", logger.WithError(err))
			}
		}
	case n.config.OnSuccess:
		n.notify("✅ spectre succeeded", fmt.Sprintf("%s in %s", s.String(), formatDuration(s.Duration)))
	}
}

func (n *Notifier) notify(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
	}
}

func failureMessage(s types.Summary) string {
	const shown = 3
	ids := s.Failed
	if len(ids) > shown {
		return fmt.Sprintf("%s and %d more failed", strings.Join(ids[:shown], ", "), len(ids)-shown)
	}
	return strings.Join(ids, ", ") + " failed"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
