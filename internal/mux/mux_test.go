package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/user/termtrace/internal/inject"
	"github.com/user/termtrace/internal/record"
	"github.com/user/termtrace/internal/resize"
	"github.com/user/termtrace/internal/terminal"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// pipeChild stands in for a PTY master: the mux reads child output from
// out and writes child input to in.
type pipeChild struct {
	out      *os.File
	in       *os.File
	maxWrite int
	writeErr error
	writes   int
}

func (c *pipeChild) Read(p []byte) (int, error) { return c.out.Read(p) }
func (c *pipeChild) Fd() uintptr                { return c.out.Fd() }

func (c *pipeChild) Write(p []byte) (int, error) {
	c.writes++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if c.maxWrite > 0 && len(p) > c.maxWrite {
		p = p[:c.maxWrite]
	}
	return c.in.Write(p)
}

type fakeSizer struct {
	mu       sync.Mutex
	sizes    []terminal.WindowSize
	calls    int
	failAt   int
	applyErr error
	applied  []terminal.WindowSize
}

func (s *fakeSizer) CurrentSize() (terminal.WindowSize, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return terminal.WindowSize{}, errors.New("size unavailable")
	}
	ws := s.sizes[0]
	if len(s.sizes) > 1 {
		s.sizes = s.sizes[1:]
	}
	return ws, nil
}

func (s *fakeSizer) Apply(ws terminal.WindowSize) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, ws)
	return nil
}

func (s *fakeSizer) appliedSizes() []terminal.WindowSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]terminal.WindowSize(nil), s.applied...)
}

type failingRecorder struct{}

func (failingRecorder) Data(record.Origin, []byte) error { return errors.New("log full") }
func (failingRecorder) Resize(uint16, uint16) error      { return nil }

// brokenNotifier is a ResizeSource that is always readable but cannot be
// drained. drained is closed on the first Drain call.
type brokenNotifier struct {
	r       *os.File
	once    sync.Once
	drained chan struct{}
}

func newBrokenNotifier(r *os.File) *brokenNotifier {
	return &brokenNotifier{r: r, drained: make(chan struct{})}
}

func (n *brokenNotifier) Fd() uintptr { return n.r.Fd() }

func (n *brokenNotifier) Drain() (int, error) {
	n.once.Do(func() { close(n.drained) })
	return 0, errors.New("notifier broken")
}

// pipeSource is a Readable backed by a pipe whose reads always fail.
type pipeSource struct {
	r *os.File
}

func (p *pipeSource) Read([]byte) (int, error) { return 0, errors.New("socket broken") }
func (p *pipeSource) Fd() uintptr              { return p.r.Fd() }

type harness struct {
	t         *testing.T
	userR     *os.File
	userW     *os.File
	out       *syncBuffer
	child     *pipeChild
	childInR  *os.File
	childOutW *os.File
	log       *syncBuffer
	sizer     *fakeSizer
}

func newPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, out: &syncBuffer{}, log: &syncBuffer{}}
	h.userR, h.userW = newPipe(t)
	childOutR, childOutW := newPipe(t)
	childInR, childInW := newPipe(t)
	h.child = &pipeChild{out: childOutR, in: childInW}
	h.childInR = childInR
	h.childOutW = childOutW
	h.sizer = &fakeSizer{sizes: []terminal.WindowSize{{Cols: 80, Rows: 24}}}
	return h
}

func (h *harness) config() Config {
	return Config{
		UserIn:   h.userR,
		UserOut:  h.out,
		Child:    h.child,
		Sizer:    h.sizer,
		Recorder: record.NewWriter(h.log, nil),
	}
}

func (h *harness) start(cfg Config) <-chan Result {
	h.t.Helper()
	m, err := New(cfg)
	if err != nil {
		h.t.Fatalf("New() error = %v", err)
	}
	done := make(chan Result, 1)
	go func() { done <- m.Run() }()
	return done
}

func (h *harness) wait(done <-chan Result) Result {
	h.t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		h.t.Fatal("session did not end")
		return Result{}
	}
}

func (h *harness) typeInput(s string) {
	h.t.Helper()
	if _, err := h.userW.Write([]byte(s)); err != nil {
		h.t.Fatalf("write user input: %v", err)
	}
}

func (h *harness) emit(s string) {
	h.t.Helper()
	if _, err := h.childOutW.Write([]byte(s)); err != nil {
		h.t.Fatalf("write child output: %v", err)
	}
}

// readChild reads exactly n bytes of forwarded child input.
func (h *harness) readChild(n int) []byte {
	h.t.Helper()
	if err := h.childInR.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		h.t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(h.childInR, buf); err != nil {
		h.t.Fatalf("read child input: %v", err)
	}
	return buf
}

func (h *harness) waitOutput(want string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.out.String() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("user output = %q, want %q", h.out.String(), want)
}

func (h *harness) records() []record.Record {
	h.t.Helper()
	r := record.NewReader(bytes.NewReader([]byte(h.log.String())))
	var recs []record.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs
		}
		if err != nil {
			h.t.Fatalf("decode log: %v", err)
		}
		recs = append(recs, rec)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t)

	cfg := h.config()
	cfg.UserIn = nil
	if _, err := New(cfg); err == nil {
		t.Fatal("New() without user input error = nil")
	}

	cfg = h.config()
	cfg.Child = nil
	if _, err := New(cfg); err == nil {
		t.Fatal("New() without child error = nil")
	}

	cfg = h.config()
	cfg.ChunkSize = 4096
	if _, err := New(cfg); err == nil {
		t.Fatal("New() with small chunk size error = nil")
	}

	n, err := resize.New()
	if err != nil {
		t.Fatalf("resize.New: %v", err)
	}
	defer n.Close()
	cfg = h.config()
	cfg.Resize = n
	cfg.Sizer = nil
	if _, err := New(cfg); err == nil {
		t.Fatal("New() with resize but no sizer error = nil")
	}
}

func TestUserInputForwardedInOrder(t *testing.T) {
	h := newHarness(t)
	done := h.start(h.config())

	chunks := []string{"l", "s", " -la\r", "\x1b[A", "exit\r"}
	var want bytes.Buffer
	for _, c := range chunks {
		h.typeInput(c)
		want.WriteString(c)
	}
	got := h.readChild(want.Len())
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("child received %q, want %q", got, want.Bytes())
	}

	_ = h.userW.Close()
	res := h.wait(done)
	if res.Reason != EndUserEOF || res.Err != nil {
		t.Fatalf("Run() = %v (%v), want user-eof", res.Reason, res.Err)
	}
	if res.UserBytes != int64(want.Len()) {
		t.Fatalf("UserBytes = %d, want %d", res.UserBytes, want.Len())
	}

	var logged bytes.Buffer
	for _, rec := range h.records() {
		if rec.Origin == record.OriginUser {
			logged.Write(rec.Payload)
		}
	}
	if !bytes.Equal(logged.Bytes(), want.Bytes()) {
		t.Fatalf("logged user bytes %q, want %q", logged.Bytes(), want.Bytes())
	}
}

func TestLargeInputSurvivesShortWrites(t *testing.T) {
	h := newHarness(t)
	h.child.maxWrite = 7
	cfg := h.config()
	cfg.Recorder = nil
	done := h.start(cfg)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	go func() { _, _ = h.userW.Write(payload) }()

	got := h.readChild(len(payload))
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted across short writes")
	}

	_ = h.userW.Close()
	if res := h.wait(done); res.Reason != EndUserEOF {
		t.Fatalf("Run() = %v, want user-eof", res.Reason)
	}
}

func TestChildOutputForwardedAndRecorded(t *testing.T) {
	h := newHarness(t)
	done := h.start(h.config())

	h.emit("hello\r\n")
	h.waitOutput("hello\r\n")

	_ = h.childOutW.Close()
	res := h.wait(done)
	if res.Reason != EndChildEOF {
		t.Fatalf("Run() = %v (%v), want child-eof", res.Reason, res.Err)
	}
	if res.HostBytes != 7 {
		t.Fatalf("HostBytes = %d, want 7", res.HostBytes)
	}

	recs := h.records()
	if len(recs) != 2 {
		t.Fatalf("records = %+v, want initial size and one host chunk", recs)
	}
	if recs[0].Origin != record.OriginResize || recs[0].Cols != 80 || recs[0].Rows != 24 {
		t.Fatalf("first record = %+v, want SIZE 80 24", recs[0])
	}
	if recs[1].Origin != record.OriginHost || string(recs[1].Payload) != "hello\r\n" {
		t.Fatalf("second record = %+v, want HOST hello", recs[1])
	}
	if recs[1].Timestamp < recs[0].Timestamp {
		t.Fatal("timestamps decreased")
	}
}

func TestUserServicedBeforeChild(t *testing.T) {
	h := newHarness(t)

	h.typeInput("u")
	h.emit("h")
	done := h.start(h.config())

	if got := h.readChild(1); string(got) != "u" {
		t.Fatalf("child received %q", got)
	}
	h.waitOutput("h")
	_ = h.childOutW.Close()
	h.wait(done)

	recs := h.records()
	if len(recs) != 3 {
		t.Fatalf("records = %+v, want 3", recs)
	}
	if recs[1].Origin != record.OriginUser || recs[2].Origin != record.OriginHost {
		t.Fatalf("service order = %v, %v; want USER then HOST", recs[1].Origin, recs[2].Origin)
	}
}

func TestChildEOFEndsSessionWhileAuxiliaryReady(t *testing.T) {
	h := newHarness(t)

	n, err := resize.New()
	if err != nil {
		t.Fatalf("resize.New: %v", err)
	}
	defer n.Close()
	injR, injW := newPipe(t)

	n.Notify()
	if _, err := injW.Write([]byte("pending")); err != nil {
		t.Fatalf("write injector: %v", err)
	}
	_ = h.childOutW.Close()

	cfg := h.config()
	cfg.Resize = n
	cfg.Injector = injR
	res := h.wait(h.start(cfg))
	if res.Reason != EndChildEOF {
		t.Fatalf("Run() = %v (%v), want child-eof", res.Reason, res.Err)
	}
	if res.InjectedBytes != 0 {
		t.Fatalf("InjectedBytes = %d, want 0", res.InjectedBytes)
	}

	fds := []unix.PollFd{{Fd: int32(n.Fd()), Events: unix.POLLIN}}
	if ready, _ := unix.Poll(fds, 0); ready != 1 {
		t.Fatal("resize notification was consumed after the child ended")
	}
}

func TestResizeAppliedAndRecorded(t *testing.T) {
	h := newHarness(t)
	h.sizer.sizes = []terminal.WindowSize{{Cols: 80, Rows: 24}, {Cols: 120, Rows: 40}}

	n, err := resize.New()
	if err != nil {
		t.Fatalf("resize.New: %v", err)
	}
	defer n.Close()

	// Both notifications are pending before the loop starts, so they
	// must be drained as one.
	n.Notify()
	n.Notify()
	cfg := h.config()
	cfg.Resize = n
	done := h.start(cfg)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.sizer.appliedSizes()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_ = h.childOutW.Close()
	res := h.wait(done)
	if res.Reason != EndChildEOF {
		t.Fatalf("Run() = %v (%v), want child-eof", res.Reason, res.Err)
	}

	applied := h.sizer.appliedSizes()
	want := []terminal.WindowSize{{Cols: 80, Rows: 24}, {Cols: 120, Rows: 40}}
	if len(applied) != len(want) || applied[0] != want[0] || applied[1] != want[1] {
		t.Fatalf("applied = %v, want %v (notifications must coalesce)", applied, want)
	}

	var sizes []record.Record
	for _, rec := range h.records() {
		if rec.Origin == record.OriginResize {
			sizes = append(sizes, rec)
		}
	}
	if len(sizes) != 2 || sizes[1].Cols != 120 || sizes[1].Rows != 40 {
		t.Fatalf("size records = %+v", sizes)
	}
}

func TestInitialSizeFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.sizer.failAt = 1

	res := h.wait(h.start(h.config()))
	if res.Reason != EndResizeFailed || res.Err == nil {
		t.Fatalf("Run() = %v (%v), want resize-failed", res.Reason, res.Err)
	}
}

func TestResizeApplyFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.sizer.applyErr = errors.New("ioctl failed")

	res := h.wait(h.start(h.config()))
	if res.Reason != EndResizeFailed {
		t.Fatalf("Run() = %v, want resize-failed", res.Reason)
	}
}

func TestResizeQueryFailureMidSession(t *testing.T) {
	h := newHarness(t)
	h.sizer.failAt = 2

	n, err := resize.New()
	if err != nil {
		t.Fatalf("resize.New: %v", err)
	}
	defer n.Close()

	cfg := h.config()
	cfg.Resize = n
	done := h.start(cfg)
	n.Notify()

	res := h.wait(done)
	if res.Reason != EndResizeFailed {
		t.Fatalf("Run() = %v, want resize-failed", res.Reason)
	}
}

func TestInjectedDatagramForwardedAsUser(t *testing.T) {
	h := newHarness(t)
	l, err := inject.Listen("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	cfg := h.config()
	cfg.Injector = l
	done := h.start(cfg)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port()))
	if err := inject.Send(context.Background(), addr, nil); err != nil {
		t.Fatalf("Send empty: %v", err)
	}
	payload := []byte("whoami\r")
	if err := inject.Send(context.Background(), addr, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := h.readChild(len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("child received %q, want %q", got, payload)
	}
	if h.out.String() != "" {
		t.Fatalf("injected input echoed to the user terminal: %q", h.out.String())
	}

	_ = h.childOutW.Close()
	res := h.wait(done)
	if res.Reason != EndChildEOF {
		t.Fatalf("Run() = %v, want child-eof", res.Reason)
	}
	if res.InjectedBytes != int64(len(payload)) {
		t.Fatalf("InjectedBytes = %d, want %d", res.InjectedBytes, len(payload))
	}

	var users []record.Record
	for _, rec := range h.records() {
		if rec.Origin == record.OriginUser {
			users = append(users, rec)
		}
	}
	if len(users) != 1 || !bytes.Equal(users[0].Payload, payload) {
		t.Fatalf("user records = %+v, want one with %q", users, payload)
	}
}

func TestInjectedDatagramLargerThanChunkForwardedWhole(t *testing.T) {
	h := newHarness(t)
	l, err := inject.Listen("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	cfg := h.config()
	cfg.Injector = l
	done := h.start(cfg)

	payload := bytes.Repeat([]byte("0123456789"), 2000)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port()))
	if err := inject.Send(context.Background(), addr, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := h.readChild(len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("child received %d bytes that differ from the %d sent", len(got), len(payload))
	}

	_ = h.childOutW.Close()
	res := h.wait(done)
	if res.InjectedBytes != int64(len(payload)) {
		t.Fatalf("InjectedBytes = %d, want %d", res.InjectedBytes, len(payload))
	}
	var users []record.Record
	for _, rec := range h.records() {
		if rec.Origin == record.OriginUser {
			users = append(users, rec)
		}
	}
	if len(users) != 1 || !bytes.Equal(users[0].Payload, payload) {
		t.Fatalf("got %d user records, want one holding the whole datagram", len(users))
	}
}

func TestResizeDrainFailureDisablesChannel(t *testing.T) {
	h := newHarness(t)
	sigR, sigW := newPipe(t)
	if _, err := sigW.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	notifier := newBrokenNotifier(sigR)
	cfg := h.config()
	cfg.Resize = notifier
	done := h.start(cfg)

	// Nothing else is ready until the notifier has failed.
	select {
	case <-notifier.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("resize channel was never serviced")
	}

	h.typeInput("ls\r")
	if got := h.readChild(3); string(got) != "ls\r" {
		t.Fatalf("child received %q", got)
	}
	h.emit("file\r\n")
	h.waitOutput("file\r\n")

	_ = h.userW.Close()
	res := h.wait(done)
	if res.Reason != EndUserEOF {
		t.Fatalf("Run() = %v (%v), want user-eof", res.Reason, res.Err)
	}
	if len(res.Disabled) != 1 || res.Disabled[0] != RoleResize {
		t.Fatalf("Disabled = %v, want [resize]", res.Disabled)
	}
	if res.Resizes != 1 {
		t.Fatalf("Resizes = %d, want only the initial size", res.Resizes)
	}
}

func TestResizeDrainFailureEndsSessionUnderEndPolicy(t *testing.T) {
	h := newHarness(t)
	sigR, sigW := newPipe(t)
	if _, err := sigW.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := h.config()
	cfg.Resize = newBrokenNotifier(sigR)
	cfg.AuxPolicy = AuxEnd

	res := h.wait(h.start(cfg))
	if res.Reason != EndAuxFailed || res.Err == nil {
		t.Fatalf("Run() = %v (%v), want aux-failed", res.Reason, res.Err)
	}
}

func TestInjectorFailureDisablesChannel(t *testing.T) {
	h := newHarness(t)
	injR, injW := newPipe(t)
	if _, err := injW.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := h.config()
	cfg.Injector = &pipeSource{r: injR}
	done := h.start(cfg)

	h.typeInput("still alive")
	if got := h.readChild(len("still alive")); string(got) != "still alive" {
		t.Fatalf("child received %q", got)
	}

	_ = h.userW.Close()
	res := h.wait(done)
	if res.Reason != EndUserEOF {
		t.Fatalf("Run() = %v (%v), want user-eof", res.Reason, res.Err)
	}
	if len(res.Disabled) != 1 || res.Disabled[0] != RoleInjector {
		t.Fatalf("Disabled = %v, want [injector]", res.Disabled)
	}
}

func TestInjectorFailureEndsSessionUnderEndPolicy(t *testing.T) {
	h := newHarness(t)
	injR, injW := newPipe(t)
	if _, err := injW.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := h.config()
	cfg.Injector = &pipeSource{r: injR}
	cfg.AuxPolicy = AuxEnd

	res := h.wait(h.start(cfg))
	if res.Reason != EndAuxFailed || res.Err == nil {
		t.Fatalf("Run() = %v (%v), want aux-failed", res.Reason, res.Err)
	}
}

func TestRecorderFailureEndsSessionBeforeForwarding(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.Recorder = failingRecorder{}
	done := h.start(cfg)

	h.typeInput("secret")
	res := h.wait(done)
	if res.Reason != EndRecordFailed {
		t.Fatalf("Run() = %v, want record-failed", res.Reason)
	}
	if h.child.writes != 0 {
		t.Fatal("data forwarded although it could not be recorded")
	}
}

func TestForwardFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.child.writeErr = errors.New("pty gone")
	cfg := h.config()
	cfg.Recorder = nil
	done := h.start(cfg)

	h.typeInput("x")
	res := h.wait(done)
	if res.Reason != EndChildError || res.Err == nil {
		t.Fatalf("Run() = %v (%v), want child-error", res.Reason, res.Err)
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.config())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = h.userW.Close()
	if res := m.Run(); res.Reason != EndUserEOF {
		t.Fatalf("first Run() = %v", res.Reason)
	}
	if res := m.Run(); res.Err == nil {
		t.Fatal("second Run() error = nil")
	}
}

func TestParseAuxPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    AuxPolicy
		wantErr bool
	}{
		{"", AuxDisable, false},
		{"disable", AuxDisable, false},
		{"END", AuxEnd, false},
		{"ignore", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAuxPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseAuxPolicy(%q) error = %v", tt.in, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("ParseAuxPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
