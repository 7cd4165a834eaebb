package pty

import (
	"errors"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// readAll collects child output until the PTY reports end of stream.
func readAll(t *testing.T, c *Child) string {
	t.Helper()
	var out strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			out.Write(buf[:n])
			if err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child output")
	}
	return out.String()
}

func TestStartAndOutput(t *testing.T) {
	c, err := Start(Options{Argv: []string{"/bin/sh", "-c", "echo hello-pty"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()

	if out := readAll(t, c); !strings.Contains(out, "hello-pty") {
		t.Fatalf("output = %q, want it to contain hello-pty", out)
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestStartSetsTerminalEnvironment(t *testing.T) {
	c, err := Start(Options{
		Argv: []string{"/bin/sh", "-c", `echo "term=$TERM acs=$NCURSES_NO_UTF8_ACS"`},
		Env:  []string{"TERM=dumb", "PATH=/usr/bin:/bin"},
		Term: "xterm",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()

	out := readAll(t, c)
	if !strings.Contains(out, "term=xterm acs=1") {
		t.Fatalf("output = %q, want term=xterm acs=1", out)
	}
}

func TestStartAppliesAttributes(t *testing.T) {
	ptmx, tty, err := creackpty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	attrs, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	_ = tty.Close()
	_ = ptmx.Close()
	if err != nil {
		t.Fatalf("IoctlGetTermios: %v", err)
	}
	attrs.Iflag &^= unix.IUTF8

	c, err := Start(Options{Argv: []string{"/bin/sh", "-c", "stty -a"}, Attrs: attrs})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()

	if out := readAll(t, c); !strings.Contains(out, "-iutf8") {
		t.Fatalf("stty output does not show iutf8 cleared: %q", out)
	}
}

func TestWriteReachesChild(t *testing.T) {
	c, err := Start(Options{Argv: []string{"/bin/sh", "-c", "read line; echo got:$line"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if out := readAll(t, c); !strings.Contains(out, "got:ping") {
		t.Fatalf("output = %q, want got:ping", out)
	}
}

func TestReadAfterExitReportsEIO(t *testing.T) {
	c, err := Start(Options{Argv: []string{"/bin/true"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Close()
	_ = c.Wait()

	buf := make([]byte, 64)
	for {
		_, err := c.Read(buf)
		if err == nil {
			continue
		}
		if !errors.Is(err, syscall.EIO) && !errors.Is(err, io.EOF) {
			t.Fatalf("Read() after exit error = %v, want EIO or EOF", err)
		}
		return
	}
}

func TestCloseKillsAndIsIdempotent(t *testing.T) {
	c, err := Start(Options{Argv: []string{"/bin/sh", "-c", "trap '' HUP; sleep 30"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Close() took %v", elapsed)
	}
	if err := c.Close(); err != nil {
		t.Logf("second Close returned: %v", err)
	}
	if c.Wait() == nil {
		t.Fatal("Wait() after kill error = nil, want exit error")
	}
}

func TestStartEmptyCommand(t *testing.T) {
	if _, err := Start(Options{}); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("Start() error = %v, want ErrEmptyCommand", err)
	}
}

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		shell   string
		want    []string
		wantErr bool
	}{
		{"explicit", "bash -l", "/bin/zsh", []string{"bash", "-l"}, false},
		{"quoted", `sh -c 'echo "a b"'`, "", []string{"sh", "-c", `echo "a b"`}, false},
		{"shell env", "", "/usr/bin/fish", []string{"/usr/bin/fish"}, false},
		{"default", "  ", "", []string{"/bin/sh"}, false},
		{"unterminated quote", `sh -c 'oops`, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveCommand(tt.command, func(k string) string {
				if k == "SHELL" {
					return tt.shell
				}
				return ""
			})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolveCommand() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveCommand() error = %v", err)
			}
			if strings.Join(got, "\x00") != strings.Join(tt.want, "\x00") {
				t.Fatalf("ResolveCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetEnvReplaces(t *testing.T) {
	got := setEnv([]string{"A=1", "TERM=vt100", "B=2", "TERM=dumb"}, "TERM", "xterm")
	want := []string{"A=1", "B=2", "TERM=xterm"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("setEnv() = %v, want %v", got, want)
	}
}
