// Package session owns one recorded or received terminal session: it
// performs the one-shot setup around the multiplexer, runs it, and tears
// everything down in a fixed order.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/user/termtrace/internal/db"
	"github.com/user/termtrace/internal/inject"
	"github.com/user/termtrace/internal/mux"
	"github.com/user/termtrace/internal/pty"
	"github.com/user/termtrace/internal/record"
	"github.com/user/termtrace/internal/resize"
	"github.com/user/termtrace/internal/terminal"
)

const (
	fullReset = "\x1bc"
	softReset = "\x1b[!p"
)

type Mode string

const (
	ModeSave    Mode = db.ModeSave
	ModeReceive Mode = db.ModeReceive
)

type Options struct {
	Mode Mode
	Argv []string

	// LogPath is required in save mode and optional in receive mode.
	LogPath string
	// Port and ListenHost configure the receive-mode UDP endpoint. Port 0
	// picks an ephemeral port.
	Port       int
	ListenHost string

	Term        string
	ChunkSize   int
	AuxPolicy   mux.AuxPolicy
	ResetScreen bool

	// Catalog is optional.
	Catalog *db.CatalogRepo

	// Stdin and Stdout must be the controlling terminal.
	Stdin  *os.File
	Stdout *os.File
	// Stderr receives notices printed before raw mode is entered.
	Stderr io.Writer
	Getenv func(string) string
	Logger *slog.Logger
}

// Report describes a finished session.
type Report struct {
	ID        string
	Mode      Mode
	LogPath   string
	Port      int
	Result    mux.Result
	Stats     record.Stats
	Datagrams int64
	Duration  time.Duration
}

// Session is a set-up session waiting to Run. The terminal is already in
// raw mode when New returns successfully.
type Session struct {
	opts   Options
	logger *slog.Logger

	id        string
	logFile   *os.File
	listener  *inject.Listener
	child     *pty.Child
	raw       *terminal.RawMode
	notifier  *resize.Notifier
	writer    *record.Writer
	mux       *mux.Mux
	startedAt time.Time

	ran       bool
	closeOnce sync.Once
	closeErr  error
}

// New performs setup. Any error is a setup error: everything acquired so
// far has been released and the terminal is in its original mode.
func New(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{opts: opts, logger: logger}
	if err := s.setup(ctx); err != nil {
		if cerr := s.release(); cerr != nil {
			logger.Warn("failed to release partial session", "error", cerr)
		}
		return nil, err
	}
	return s, nil
}

func (o *Options) validate() error {
	switch o.Mode {
	case ModeSave:
		if o.LogPath == "" {
			return errors.New("save mode needs a log file")
		}
	case ModeReceive:
		if o.Port < 0 || o.Port > 65535 {
			return fmt.Errorf("invalid port %d", o.Port)
		}
	default:
		return fmt.Errorf("unknown session mode %q", o.Mode)
	}
	if len(o.Argv) == 0 {
		return pty.ErrEmptyCommand
	}
	if o.Stdin == nil || o.Stdout == nil {
		return errors.New("session needs a terminal")
	}
	return nil
}

func (s *Session) setup(ctx context.Context) error {
	opts := s.opts

	if err := terminal.CheckUTF8Locale(opts.Getenv); err != nil {
		return err
	}
	if !isatty.IsTerminal(opts.Stdin.Fd()) || !isatty.IsTerminal(opts.Stdout.Fd()) {
		return terminal.ErrNotTerminal
	}

	if opts.LogPath != "" {
		f, err := os.OpenFile(opts.LogPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
		if err != nil {
			return fmt.Errorf("failed to create session log: %w", err)
		}
		s.logFile = f
	}

	if opts.Mode == ModeReceive {
		l, err := inject.Listen(opts.ListenHost, opts.Port, s.logger)
		if err != nil {
			return err
		}
		s.listener = l
		fmt.Fprintf(opts.Stderr, "termtrace: listening on UDP port %d\r\n", l.Port())
	}

	attrs, added, err := terminal.ChildAttrs(opts.Stdin)
	if err != nil {
		return err
	}
	if added {
		fmt.Fprintf(opts.Stderr, "termtrace: warning: terminal did not have IUTF8 set; enabling it for %s\r\n", opts.Argv[0])
	}

	child, err := pty.Start(pty.Options{Argv: opts.Argv, Term: opts.Term, Attrs: attrs})
	if err != nil {
		return err
	}
	s.child = child

	raw, err := terminal.EnterRaw(opts.Stdin)
	if err != nil {
		return err
	}
	s.raw = raw

	notifier, err := resize.New()
	if err != nil {
		return err
	}
	s.notifier = notifier

	cfg := mux.Config{
		UserIn:    opts.Stdin,
		UserOut:   opts.Stdout,
		Child:     child,
		Resize:    notifier,
		Sizer:     terminal.NewOracle(opts.Stdin, child.Master()),
		AuxPolicy: opts.AuxPolicy,
		ChunkSize: opts.ChunkSize,
		Logger:    s.logger,
	}
	if s.logFile != nil {
		s.writer = record.NewWriter(s.logFile, nil)
		cfg.Recorder = s.writer
	}
	if s.listener != nil {
		cfg.Injector = s.listener
	}
	m, err := mux.New(cfg)
	if err != nil {
		return err
	}
	s.mux = m

	s.startedAt = time.Now()
	if opts.Catalog != nil {
		entry := &db.Session{
			Mode:      string(opts.Mode),
			Command:   strings.Join(opts.Argv, " "),
			LogPath:   opts.LogPath,
			Port:      s.Port(),
			Pid:       child.Pid(),
			StartedAt: s.startedAt,
		}
		if err := opts.Catalog.Create(ctx, entry); err != nil {
			s.logger.Warn("failed to add session to catalog", "error", err)
		} else {
			s.id = entry.ID
		}
	}
	return nil
}

// Port returns the bound UDP port in receive mode, zero otherwise.
func (s *Session) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Port()
}

// ID returns the catalog ID, empty when the session is not catalogued.
func (s *Session) ID() string { return s.id }

// Run relays traffic until the session ends, then tears it down. Errors
// after setup are reported in the Result, never returned.
func (s *Session) Run(ctx context.Context) Report {
	if s.ran {
		return Report{ID: s.id, Mode: s.opts.Mode, Result: mux.Result{Reason: mux.EndPollFailed, Err: errors.New("session already ran")}}
	}
	s.ran = true

	s.logger.Info("session started",
		"mode", s.opts.Mode,
		"command", s.opts.Argv,
		"log", s.opts.LogPath,
		"port", s.Port(),
		"pid", s.child.Pid(),
	)

	if s.opts.ResetScreen {
		if _, err := io.WriteString(s.opts.Stdout, fullReset); err != nil {
			s.logger.Warn("failed to reset screen", "error", err)
		}
	}

	res := s.mux.Run()

	if s.opts.ResetScreen {
		if _, err := io.WriteString(s.opts.Stdout, softReset); err != nil {
			s.logger.Warn("failed to soft-reset screen", "error", err)
		}
	}

	report := Report{
		ID:       s.id,
		Mode:     s.opts.Mode,
		LogPath:  s.opts.LogPath,
		Port:     s.Port(),
		Result:   res,
		Duration: time.Since(s.startedAt),
	}
	if s.writer != nil {
		report.Stats = s.writer.Stats()
	}
	if s.listener != nil {
		report.Datagrams = s.listener.Datagrams()
	}

	if err := s.Close(); err != nil {
		s.logger.Warn("session teardown failed", "error", err)
	}
	s.finish(ctx, report)

	attrs := []any{
		"reason", res.Reason,
		"user_bytes", res.UserBytes,
		"host_bytes", res.HostBytes,
		"injected_bytes", res.InjectedBytes,
		"resizes", res.Resizes,
		"duration", report.Duration,
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err)
	}
	if len(res.Disabled) > 0 {
		attrs = append(attrs, "disabled", res.Disabled)
	}
	s.logger.Info("session ended", attrs...)
	return report
}

func (s *Session) finish(ctx context.Context, report Report) {
	if s.opts.Catalog == nil || s.id == "" {
		return
	}
	sum := db.Summary{
		EndReason:     report.Result.Reason.String(),
		UserBytes:     report.Result.UserBytes,
		HostBytes:     report.Result.HostBytes,
		InjectedBytes: report.Result.InjectedBytes,
		Resizes:       report.Result.Resizes,
		Records:       report.Stats.Records,
		Datagrams:     report.Datagrams,
	}
	if err := s.opts.Catalog.Finish(ctx, s.id, sum); err != nil {
		s.logger.Warn("failed to finish catalog entry", "session_id", s.id, "error", err)
	}
}

// Close releases every resource the session holds and restores the
// terminal. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.release()
	})
	return s.closeErr
}

// release closes channels first and restores the terminal last.
func (s *Session) release() error {
	var errs []error
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close resize notifier: %w", err))
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close injector: %w", err))
		}
	}
	if s.child != nil {
		if err := s.child.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close child: %w", err))
		}
	}
	if s.logFile != nil {
		if err := s.logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session log: %w", err))
		}
	}
	if s.raw != nil {
		if err := s.raw.Restore(); err != nil {
			errs = append(errs, fmt.Errorf("restore terminal: %w", err))
		}
	}
	return errors.Join(errs...)
}
