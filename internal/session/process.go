package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const stderrScannerBufSize = 1024 * 1024 // 1 MB

// Process is a running agent child. Its output is consumed through Next.
type Process struct {
	cmd      *exec.Cmd
	mode     Mode
	strategy modeStrategy
	output   *queue[Frame]
	stdin    *stdinWriter
	logger   zerolog.Logger

	done     chan struct{}
	exitCode int
	exitErr  error
}

// stdinWriter serializes writes and refuses them once the child is gone.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.Writer
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrProcessExited
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) markClosed() {
	sw.mu.Lock()
	sw.closed = true
	sw.mu.Unlock()
}

func newProcess(cmd *exec.Cmd, strategy modeStrategy, att *attachment) *Process {
	p := &Process{
		cmd:      cmd,
		mode:     strategy.Mode(),
		strategy: strategy,
		output:   newQueue[Frame](),
		stdin:    &stdinWriter{writer: att.stdin},
		done:     make(chan struct{}),
	}
	p.logger = log.With().Int("pid", p.Pid()).Str("mode", string(p.mode)).Logger()

	var readers sync.WaitGroup

	readers.Add(1)
	go func() {
		defer readers.Done()
		defer p.output.Close()
		strategy.readOutput(att.stdout, p.output, p.logger)
	}()

	if att.stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			drainDiagnostics(att.stderr, p.logger)
		}()
	}

	go func() {
		err := cmd.Wait()
		p.stdin.markClosed()

		p.exitErr = err
		p.exitCode = 0
		if err != nil {
			p.exitCode = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.exitCode = exitErr.ExitCode()
			}
		}
		close(p.done)

		readers.Wait()
		att.closeAll()
	}()

	return p
}

// drainDiagnostics logs the child's stderr. Failures here never affect the
// session.
func drainDiagnostics(r io.Reader, logger zerolog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Debug().Interface("panic", rec).Msg("stderr reader stopped")
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), stderrScannerBufSize)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Warn().Str("line", line).Msg("agent stderr")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug().Err(err).Msg("stderr reader stopped")
	}
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Mode returns the framing mode the process was started in.
func (p *Process) Mode() Mode { return p.mode }

// Next blocks until the next output frame. ok is false once the child has
// closed its output and every frame was consumed.
func (p *Process) Next(ctx context.Context) (Frame, bool) {
	return p.output.Next(ctx)
}

// Write sends raw bytes to the child's input.
func (p *Process) Write(data []byte) error {
	return p.stdin.Write(data)
}

// WriteMessage sends one user turn framed for the process's mode.
func (p *Process) WriteMessage(text string) error {
	data, err := p.strategy.encodeMessage(text)
	if err != nil {
		return err
	}
	return p.stdin.Write(data)
}

// Kill forcibly terminates the child and everything in its process group.
func (p *Process) Kill() error {
	if p.Exited() || p.cmd.Process == nil {
		return nil
	}
	if err := killProcessGroup(p.Pid()); err != nil {
		p.logger.Debug().Err(err).Msg("process group kill failed, killing leader")
		return p.cmd.Process.Kill()
	}
	return nil
}

// Done is closed when the child exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 if the child was killed by a
// signal. Only meaningful after Done is closed.
func (p *Process) ExitCode() int { return p.exitCode }

// Err returns the error from waiting on the child, nil on a clean exit.
// Only meaningful after Done is closed.
func (p *Process) Err() error { return p.exitErr }
