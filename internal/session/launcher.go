package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	defaultAgentCommand = "claude"
	defaultShell        = "/bin/zsh"
	defaultTermCols     = 120
	defaultTermRows     = 40
)

// LauncherConfig controls how agent processes are started.
type LauncherConfig struct {
	// Command is the agent CLI invoked inside the shell.
	Command string
	// DefaultShell is used when $SHELL is unset.
	DefaultShell string
	// LoginShell runs the shell with -l so the user's profile sets PATH.
	LoginShell   bool
	TerminalCols uint16
	TerminalRows uint16
}

// DefaultLauncherConfig returns the configuration used by the server.
func DefaultLauncherConfig() LauncherConfig {
	return LauncherConfig{
		Command:      defaultAgentCommand,
		DefaultShell: defaultShell,
		LoginShell:   true,
		TerminalCols: defaultTermCols,
		TerminalRows: defaultTermRows,
	}
}

// Launcher starts agent processes in either framing mode.
type Launcher struct {
	cfg LauncherConfig
}

// NewLauncher creates a launcher, filling unset fields with defaults.
func NewLauncher(cfg LauncherConfig) *Launcher {
	def := DefaultLauncherConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = def.DefaultShell
	}
	if cfg.TerminalCols == 0 {
		cfg.TerminalCols = def.TerminalCols
	}
	if cfg.TerminalRows == 0 {
		cfg.TerminalRows = def.TerminalRows
	}
	return &Launcher{cfg: cfg}
}

// Start spawns the agent in workingDirectory and begins framing its output.
// The process is not bound to ctx; it lives until killed or it exits.
func (l *Launcher) Start(ctx context.Context, mode Mode, workingDirectory, model string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := ResolveDirectory(workingDirectory)
	if err != nil {
		return nil, err
	}

	strategy := strategyFor(mode)
	line := l.agentLine(strategy.agentArgs(), model)

	cmd := exec.Command(l.Shell(), l.shellArgs(line)...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	att, err := strategy.attach(cmd, l.cfg)
	if err != nil {
		return nil, &ProcessSpawnError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		att.closeAll()
		return nil, &ProcessSpawnError{Err: err}
	}
	// The child has its own copies now.
	att.closeChildEnds()

	p := newProcess(cmd, strategy, att)

	log.Info().
		Int("pid", p.Pid()).
		Str("mode", string(mode)).
		Str("dir", dir).
		Msg("started agent process")

	return p, nil
}

// Command builds a non-interactive invocation of the agent through the
// user's shell, e.g. for one-shot `--print` calls.
func (l *Launcher) Command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, l.Shell(), l.shellArgs(l.agentLine(args, ""))...)
	cmd.Env = os.Environ()
	return cmd
}

// Shell returns $SHELL, or the configured default when it is unset.
func (l *Launcher) Shell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return l.cfg.DefaultShell
}

func (l *Launcher) shellArgs(line string) []string {
	if l.cfg.LoginShell {
		return []string{"-l", "-c", line}
	}
	return []string{"-c", line}
}

func (l *Launcher) agentLine(args []string, model string) string {
	parts := []string{l.cfg.Command}
	parts = append(parts, args...)
	if model != "" {
		parts = append(parts, "--model", shellQuote(model))
	}
	return strings.Join(parts, " ")
}

// ResolveDirectory expands a leading ~ and returns the absolute path of an
// existing directory.
func ResolveDirectory(path string) (string, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		resolved = filepath.Join(home, strings.TrimLeft(resolved[1:], "/"))
	}

	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", &DirectoryNotFoundError{Path: path}
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", &DirectoryNotFoundError{Path: abs}
	}
	return abs, nil
}

// shellQuote wraps a string in single quotes for safe use in shell commands.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
