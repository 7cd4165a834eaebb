// Package pty starts programs on pseudo-terminals.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"
)

// ErrEmptyCommand is returned when there is nothing to run.
var ErrEmptyCommand = errors.New("pty: empty command")

const defaultShell = "/bin/sh"

// killGrace is how long Close waits for the child to exit after hangup.
const killGrace = 2 * time.Second

// Options describe the program to start on a new PTY.
type Options struct {
	Argv []string
	Dir  string
	// Env is the base environment; nil means os.Environ().
	Env []string
	// Term is exported as TERM; empty leaves TERM untouched.
	Term string
	// Attrs initialises the child side of the PTY when non-nil.
	Attrs *unix.Termios
}

// Child is a process running on the slave side of a PTY. Reads and writes
// go to the master side.
type Child struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	startedAt time.Time

	waitOnce  sync.Once
	waitErr   error
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// ResolveCommand splits a configured command line. An empty command falls
// back to $SHELL and then /bin/sh.
func ResolveCommand(command string, getenv func(string) string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		command = strings.TrimSpace(getenv("SHELL"))
	}
	if command == "" {
		command = defaultShell
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("pty: parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// Start spawns opts.Argv as a session leader whose controlling terminal is
// a fresh PTY.
func Start(opts Options) (*Child, error) {
	if len(opts.Argv) == 0 {
		return nil, ErrEmptyCommand
	}

	ptmx, tty, err := creackpty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty: open: %w", err)
	}
	// The parent never needs the slave side once the child has it.
	defer tty.Close()

	if opts.Attrs != nil {
		if err := unix.IoctlSetTermios(int(tty.Fd()), unix.TCSETS, opts.Attrs); err != nil {
			_ = ptmx.Close()
			return nil, fmt.Errorf("pty: set child attributes: %w", err)
		}
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	if opts.Term != "" {
		env = setEnv(env, "TERM", opts.Term)
	}
	// Ask ncurses for UTF-8 line drawing instead of ISO 2022 shifts.
	env = setEnv(env, "NCURSES_NO_UTF8_ACS", "1")

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = env
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		_ = ptmx.Close()
		return nil, fmt.Errorf("pty: start %s: %w", opts.Argv[0], err)
	}

	return &Child{
		cmd:       cmd,
		ptmx:      ptmx,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}, nil
}

// Master returns the master side of the PTY.
func (c *Child) Master() *os.File { return c.ptmx }

// Pid returns the child's process ID.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// StartedAt returns when the child was started.
func (c *Child) StartedAt() time.Time { return c.startedAt }

func (c *Child) Read(p []byte) (int, error)  { return c.ptmx.Read(p) }
func (c *Child) Write(p []byte) (int, error) { return c.ptmx.Write(p) }
func (c *Child) Fd() uintptr                 { return c.ptmx.Fd() }

// Wait blocks until the child exits and returns its exit error.
func (c *Child) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
		close(c.exited)
	})
	return c.waitErr
}

// Close hangs up the PTY, waits briefly for the child and kills it if it
// is still running. It is safe to call Close multiple times.
func (c *Child) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ptmx.Close()

		go func() { _ = c.Wait() }()
		select {
		case <-c.exited:
		case <-time.After(killGrace):
			_ = c.cmd.Process.Signal(syscall.SIGKILL)
			<-c.exited
		}
	})
	return c.closeErr
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}
