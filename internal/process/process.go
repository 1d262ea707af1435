// Package process runs external tools with process-group supervision.
//
// Every child is started in its own process group so that cancelling the
// context (or hitting a timeout) kills the tool and anything it spawned.
// Output is either captured whole (Run) or forwarded line by line (Stream).
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// waitDelay bounds how long Wait blocks on pipes held open by grandchildren
// after the process group has been killed.
const waitDelay = 2 * time.Second

// maxLineSize is the longest line Stream forwards without splitting.
const maxLineSize = 1024 * 1024

var (
	// ErrTimeout indicates the command exceeded its wall-clock budget.
	ErrTimeout = errors.New("process timed out")

	// ErrSpawn indicates the command could not be started.
	ErrSpawn = errors.New("process could not be started")
)

// Command describes one invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the parent environment when non-empty.
	Env []string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// Result is the captured outcome of Run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Source identifies which pipe a line came from.
type Source string

const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// Line is one line of streamed output, without its terminator.
type Line struct {
	Source Source `json:"source"`
	Text   string `json:"text"`
}

func (c Command) build(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	setProcGroup(cmd)
	cmd.Cancel = func() error {
		return killProcGroup(cmd)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// Run executes c and captures its output.
//
// A non-zero exit is not an error: the code is reported in Result and the
// caller decides what it means. A positive timeout bounds the run; when it
// fires the process group is killed and reaped, and the error wraps
// ErrTimeout. Start failures wrap ErrSpawn. A cancelled ctx returns ctx.Err().
func Run(ctx context.Context, c Command, timeout time.Duration) (*Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := c.build(runCtx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, c.Name, err)
	}
	waitErr := cmd.Wait()

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode(cmd, waitErr),
		Duration: time.Since(start),
	}

	if err := runCtx.Err(); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, c.Name)
		}
		return res, ctx.Err()
	}
	if waitErr != nil && !isExitError(waitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("waiting for %s: %w", c.Name, waitErr)
	}
	return res, nil
}

// Stream executes c, forwarding each output line to sink as it arrives.
//
// stdout and stderr are drained concurrently. Lines from one pipe reach the
// sink in order; the two pipes are not ordered relative to each other. Sink
// calls are serialized. Both drains finish before Stream returns the exit
// code. There is no timeout beyond ctx.
func Stream(ctx context.Context, c Command, sink func(Line)) (int, error) {
	cmd := c.build(ctx)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %s: %v", ErrSpawn, c.Name, err)
	}

	var mu sync.Mutex
	emit := func(l Line) {
		mu.Lock()
		defer mu.Unlock()
		if sink != nil {
			sink(l)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return drain(stdout, Stdout, emit) })
	g.Go(func() error { return drain(stderr, Stderr, emit) })
	drainErr := g.Wait()

	waitErr := cmd.Wait()
	code := exitCode(cmd, waitErr)

	if ctx.Err() != nil {
		return code, ctx.Err()
	}
	if waitErr != nil && !isExitError(waitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return code, fmt.Errorf("waiting for %s: %w", c.Name, waitErr)
	}
	if drainErr != nil {
		return code, drainErr
	}
	return code, nil
}

func drain(r io.Reader, src Source, emit func(Line)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		emit(Line{Source: src, Text: string(bytes.TrimRight(sc.Bytes(), "\r"))})
	}
	// Read errors after the pipe closes are not failures of the command.
	if err := sc.Err(); errors.Is(err, bufio.ErrTooLong) {
		// Keep the pipe flowing so the child cannot block on a full buffer.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("reading %s: %w", src, err)
	}
	return nil
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
