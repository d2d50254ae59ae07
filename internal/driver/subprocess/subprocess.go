/*
Copyright 2024 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package subprocess provides the single primitive THE CORE uses to run
// every external command (the nix build/eval/path-info tool, the
// rsync-equivalent hard-link copier, the mount/umount tools, the
// database initializer, and the upload helper). It runs the child
// asynchronously, concurrently drains stdout and stderr line-by-line
// into per-stream buffers plus a single combined transcript, and records
// wall time. It never blocks the RPC dispatcher beyond the caller's own
// await point.
package subprocess

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/nix-community/nix-csi-driver/internal/driver/driverrors"
)

// slowCommandThreshold is the elapsed time above which a command's
// duration is logged at info level, per spec.
const slowCommandThreshold = 5 * time.Second

// Result is the outcome of running a single command.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Combined string
	Elapsed  time.Duration
}

// Mode controls whether output lines are forwarded to the logger as they
// arrive ("console") or only captured in the Result ("captured").
type Mode int

const (
	// Captured suppresses forwarding of lines to the logger.
	Captured Mode = iota
	// Console forwards each line to the logger at the given level as it
	// is produced.
	Console
)

// Runner executes external commands. The zero value is ready to use.
type Runner struct{}

// Run executes args[0] with args[1:], draining stdout/stderr
// concurrently. In Console mode, lines are forwarded to logger as they
// arrive at the given verbosity (0 = Info, >0 = V(n)).
func (r Runner) Run(ctx context.Context, mode Mode, logger logr.Logger, verbosity int, args ...string) (Result, error) {
	if len(args) == 0 {
		return Result{}, fmt.Errorf("subprocess: no command given")
	}

	start := time.Now()
	logCommand(logger, mode, verbosity, args)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("subprocess: start %s: %w", args[0], err)
	}

	var mu sync.Mutex
	var stdoutLines, stderrLines, combinedLines []string

	appendLine := func(dst *[]string, line string) {
		mu.Lock()
		defer mu.Unlock()
		*dst = append(*dst, line)
		combinedLines = append(combinedLines, line)
		if mode == Console {
			logLine(logger, verbosity, line)
		}
	}

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error { return drain(stdoutPipe, func(l string) { appendLine(&stdoutLines, l) }) })
	g.Go(func() error { return drain(stderrPipe, func(l string) { appendLine(&stderrLines, l) }) })

	drainErr := g.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if elapsed > slowCommandThreshold {
		logger.Info("command exceeded slow threshold", "elapsed", elapsed, "command", shortArgs(args))
	}

	if drainErr != nil {
		return Result{}, fmt.Errorf("subprocess: draining output of %s: %w", args[0], drainErr)
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("subprocess: running %s: %w", args[0], waitErr)
		}
	}

	mu.Lock()
	result := Result{
		Args:     args,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(strings.Join(stdoutLines, "\n")),
		Stderr:   strings.TrimSpace(strings.Join(stderrLines, "\n")),
		Combined: strings.TrimSpace(strings.Join(combinedLines, "\n")),
		Elapsed:  elapsed,
	}
	mu.Unlock()

	return result, nil
}

// Must runs the command and converts any non-zero exit into a single
// codes.Internal error carrying the command prefix and the combined
// transcript. Higher layers must not wrap the resulting error again.
func (r Runner) Must(ctx context.Context, mode Mode, logger logr.Logger, verbosity int, args ...string) (Result, error) {
	result, err := r.Run(ctx, mode, logger, verbosity, args...)
	if err != nil {
		return Result{}, driverrors.Internal("%s: %v", shortArgs(args), err)
	}
	if result.ExitCode != 0 {
		return result, driverrors.Internal("%s failed (exit %d): %s", shortArgs(args), result.ExitCode, result.Combined)
	}
	return result, nil
}

func drain(r io.Reader, onLine func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(strings.TrimRight(scanner.Text(), "\r\n"))
	}
	return scanner.Err()
}

func logCommand(logger logr.Logger, mode Mode, verbosity int, args []string) {
	if mode != Console {
		return
	}
	if verbosity <= 0 {
		logger.Info("running command", "command", args)
	} else {
		logger.V(verbosity).Info("running command", "command", args)
	}
}

func logLine(logger logr.Logger, verbosity int, line string) {
	if verbosity <= 0 {
		logger.Info(line)
	} else {
		logger.V(verbosity).Info(line)
	}
}

func shortArgs(args []string) string {
	n := len(args)
	if n > 5 {
		n = 5
	}
	return strings.Join(args[:n], " ") + "..."
}
