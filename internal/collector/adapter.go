package collector

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Result is the uninterpreted outcome of one collector invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Invoke runs the collector binary, writes the request envelope to its
// stdin and closes it, and captures stdout and stderr until the process
// exits or the hard timeout kills it. Interpretation of the output is
// the caller's job; Invoke returns a non-nil error only when the process
// could not be started at all.
func Invoke(ctx context.Context, binary string, request []byte, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary)
	cmd.Stdin = bytes.NewReader(request)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Collectors that ignore SIGKILL on their children could otherwise
	// hold Wait open through inherited pipes.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: ctx.Err() == context.DeadlineExceeded,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if res.TimedOut {
			res.ExitCode = -1
			return res, nil
		}
		return nil, err
	}

	return res, nil
}
