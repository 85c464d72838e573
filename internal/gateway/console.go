// Package gateway delivers notifications and audit events to the
// outside world: chat webhooks, subscriber endpoints, or the terminal.
package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"teampulse/internal/escalate"
)

// Console writes notifications to a terminal. Used by the CLI and as
// the default notifier when no webhook is configured.
type Console struct {
	Out io.Writer

	mu sync.Mutex
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(_ context.Context, n escalate.Notification) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	line := fmt.Sprintf("[%s] %s: %s blocked on %q: %s", n.Severity, n.Destination, n.ReporterName, n.WorkItemRef, n.Description)
	if n.Claimed {
		line += fmt.Sprintf(" (claimed by %s)", n.ClaimedBy)
	}
	if n.Summary != "" {
		line += "\n  " + n.Summary
	}
	_, err := fmt.Fprintln(out, line)
	return err
}
