package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	terminalReadSize = 4096
	terminalType     = "xterm-256color"
	unknownFrameType = "unknown"
)

// Frame is one unit of agent output. Terminal frames carry Data; stream
// frames carry Type and Payload.
type Frame struct {
	Data    string
	Type    string
	Payload json.RawMessage
}

// attachment holds the parent's ends of the child's stdio.
type attachment struct {
	stdin  io.Writer
	stdout io.Reader
	stderr io.Reader // nil when stderr shares the terminal

	afterStart []io.Closer // child's ends, closed once it has them
	onExit     []io.Closer // parent's ends, closed once reads finish
}

func (a *attachment) closeChildEnds() {
	for _, c := range a.afterStart {
		c.Close()
	}
	a.afterStart = nil
}

func (a *attachment) closeAll() {
	a.closeChildEnds()
	for _, c := range a.onExit {
		c.Close()
	}
}

// modeStrategy captures everything that differs between terminal and
// stream sessions.
type modeStrategy interface {
	Mode() Mode
	// agentArgs are the flags passed to the agent CLI.
	agentArgs() []string
	// attach wires the child's stdio.
	attach(cmd *exec.Cmd, cfg LauncherConfig) (*attachment, error)
	// readOutput frames r into out until EOF or a read error.
	readOutput(r io.Reader, out *queue[Frame], logger zerolog.Logger)
	// encodeMessage turns one user turn into bytes for the child's stdin.
	encodeMessage(text string) ([]byte, error)
	// primingDelay is how long a resumed process is given before the
	// priming prompt is written.
	primingDelay(settle time.Duration) time.Duration
	// record buffers a frame in the session and returns the event that
	// announces it.
	record(ls *liveSession, f Frame, ts time.Time) Event
}

func strategyFor(m Mode) modeStrategy {
	if m == ModeStream {
		return streamMode{}
	}
	return terminalMode{}
}

// terminalMode runs the agent under a pseudo-terminal and relays raw bytes.
type terminalMode struct{}

func (terminalMode) Mode() Mode { return ModeTerminal }

func (terminalMode) agentArgs() []string { return nil }

func (terminalMode) attach(cmd *exec.Cmd, cfg LauncherConfig) (*attachment, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("allocate PTY: %w", err)
	}

	if err := setWindowSize(int(master.Fd()), cfg.TerminalCols, cfg.TerminalRows); err != nil {
		master.Close()
		return nil, fmt.Errorf("set PTY window size: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open PTY slave %s: %w", slavePath, err)
	}

	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = ttyAttr()
	cmd.Env = append(cmd.Env,
		"TERM="+terminalType,
		fmt.Sprintf("COLUMNS=%d", cfg.TerminalCols),
		fmt.Sprintf("LINES=%d", cfg.TerminalRows),
	)

	return &attachment{
		stdin:      master,
		stdout:     master,
		afterStart: []io.Closer{slave},
		onExit:     []io.Closer{master},
	}, nil
}

func (terminalMode) readOutput(r io.Reader, out *queue[Frame], logger zerolog.Logger) {
	buf := make([]byte, terminalReadSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitIncompleteUTF8(data)
			if len(complete) > 0 {
				out.Push(Frame{Data: string(complete)})
			}
			carry = append([]byte(nil), carry...)
		}
		if err != nil {
			// EIO is how the master reports that the slave side closed.
			if !errors.Is(err, io.EOF) && !isPTYClosed(err) {
				logger.Warn().Err(err).Msg("terminal read failed")
			}
			break
		}
	}
	if len(carry) > 0 {
		out.Push(Frame{Data: string(carry)})
	}
}

func (terminalMode) encodeMessage(text string) ([]byte, error) {
	return []byte(text + "\r"), nil
}

func (terminalMode) primingDelay(settle time.Duration) time.Duration { return settle }

// streamMode runs the agent with line-delimited JSON on stdin and stdout.
type streamMode struct{}

func (streamMode) Mode() Mode { return ModeStream }

func (streamMode) agentArgs() []string {
	return []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
}

func (streamMode) attach(cmd *exec.Cmd, _ LauncherConfig) (*attachment, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = groupAttr()

	return &attachment{
		stdin:      stdinW,
		stdout:     stdoutR,
		stderr:     stderrR,
		afterStart: []io.Closer{stdinR, stdoutW, stderrW},
		onExit:     []io.Closer{stdinW, stdoutR, stderrR},
	}, nil
}

func (streamMode) readOutput(r io.Reader, out *queue[Frame], logger zerolog.Logger) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			frame, perr := parseStreamLine(trimmed)
			if perr != nil {
				logger.Debug().Err(perr).Str("line", string(trimmed)).Msg("dropping non-JSON output")
			} else {
				out.Push(frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Warn().Err(err).Msg("stream read failed")
			}
			return
		}
	}
}

func (streamMode) encodeMessage(text string) ([]byte, error) {
	data, err := json.Marshal(streamInput{
		Type:    "user",
		Message: streamInputMessage{Role: "user", Content: text},
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (streamMode) primingDelay(time.Duration) time.Duration { return 0 }

type streamInput struct {
	Type    string             `json:"type"`
	Message streamInputMessage `json:"message"`
}

type streamInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// parseStreamLine turns one output line into a frame tagged by its "type"
// field.
func parseStreamLine(line []byte) (Frame, error) {
	if !json.Valid(line) {
		return Frame{}, &MalformedFrameError{Line: string(line), Err: errors.New("invalid JSON")}
	}

	frame := Frame{
		Type:    unknownFrameType,
		Payload: append(json.RawMessage(nil), line...),
	}

	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err == nil && len(head.Type) > 0 {
		var t string
		if json.Unmarshal(head.Type, &t) == nil && t != "" {
			frame.Type = t
		}
	}
	return frame, nil
}

// splitIncompleteUTF8 separates a trailing partial UTF-8 sequence so it can
// be completed by the next read.
func splitIncompleteUTF8(b []byte) (complete, rest []byte) {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if c < utf8.RuneSelf {
			break
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i], b[len(b)-i:]
		}
		break
	}
	return b, nil
}
