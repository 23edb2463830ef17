package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// ExecQueue serializes external commands across a graph. The default weight
// of 1 keeps credential prompts from overlapping.
type ExecQueue struct {
	sem     *semaphore.Weighted
	queued  atomic.Int64
	started atomic.Int64
}

// NewExecQueue creates a queue admitting at most concurrency commands.
func NewExecQueue(concurrency int64) *ExecQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ExecQueue{sem: semaphore.NewWeighted(concurrency)}
}

// Started returns how many commands have been started.
func (q *ExecQueue) Started() int64 {
	return q.started.Load()
}

// Run executes command through `sh -c` in dir with env, returning stdout with
// one trailing newline removed.
func (q *ExecQueue) Run(ctx context.Context, command, dir string, env []string) (string, error) {
	logger := telemetry.FromContext(ctx)

	q.queued.Add(1)
	telemetry.SetQueuedCommands(ctx, float64(q.queued.Load()))
	err := q.sem.Acquire(ctx, 1)
	q.queued.Add(-1)
	telemetry.SetQueuedCommands(ctx, float64(q.queued.Load()))
	if err != nil {
		return "", fmt.Errorf("waiting for exec queue: %w", err)
	}
	defer q.sem.Release(1)

	q.started.Add(1)
	logger.WithField("command", command).Debug("Running command")

	var out string
	err = telemetry.RecordCommand(ctx, func() error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		cmd.Env = env

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return err
			}
			return fmt.Errorf("%w: %s", err, msg)
		}
		out = trimNewline(stdout.String())
		return nil
	})
	return out, err
}

func trimNewline(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s[:len(s)-2]
	}
	return strings.TrimSuffix(s, "\n")
}
