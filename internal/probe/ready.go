package probe

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// DefaultPollInterval is how often WaitReady checks the server.
const DefaultPollInterval = 2 * time.Second

// Pinger checks whether the tracking server is accepting requests.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deleter removes a registered model.
type Deleter interface {
	DeleteRegisteredModel(ctx context.Context, name string) error
}

// WaitReady polls the server until Ping succeeds or timeout elapses. The
// timeout also bounds each Ping, so a server that accepts the connection
// but never answers cannot hold it open. It runs before the probe starts
// so a server that is still booting is not reported as a failed step.
func WaitReady(ctx context.Context, pinger Pinger, timeout, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error

	for attempt := 1; ; attempt++ {
		if lastErr = pinger.Ping(waitCtx); lastErr == nil {
			return nil
		}

		tflog.Debug(waitCtx, "tracking server not ready", map[string]any{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("timed out after %s waiting for tracking server: %w", timeout.String(), lastErr)
		case <-ticker.C:
		}
	}
}

// Cleanup deletes the registered model created by a run.
func Cleanup(ctx context.Context, deleter Deleter, out io.Writer, name string) error {
	if err := deleter.DeleteRegisteredModel(ctx, name); err != nil {
		return fmt.Errorf("delete registered model: %w", err)
	}

	if out != nil {
		fmt.Fprintf(out, "Deleted model: %s\n", name)
	}

	return nil
}
