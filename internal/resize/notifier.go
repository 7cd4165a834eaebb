// Package resize turns SIGWINCH into a descriptor that becomes readable
// when the controlling terminal changes size, so it can be polled next to
// data descriptors.
package resize

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Notifier owns a pipe whose read end is readable while at least one size
// change has not been drained. Bursts of signals coalesce into a single
// readable state.
type Notifier struct {
	r, w   *os.File
	rfd    int
	wfd    int
	sig    chan os.Signal
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// New creates a Notifier that is not readable until the first SIGWINCH.
func New() (*Notifier, error) {
	n, err := newPipeNotifier()
	if err != nil {
		return nil, err
	}
	n.sig = make(chan os.Signal, 1)
	signal.Notify(n.sig, syscall.SIGWINCH)

	n.wg.Add(1)
	go n.forward()
	return n, nil
}

func newPipeNotifier() (*Notifier, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("resize: create pipe: %w", err)
	}
	// Fd switches the files to blocking mode, so take the descriptors
	// first and make them non-blocking afterwards.
	n := &Notifier{r: r, w: w, rfd: int(r.Fd()), wfd: int(w.Fd()), done: make(chan struct{})}
	for _, fd := range []int{n.rfd, n.wfd} {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = r.Close()
			_ = w.Close()
			return nil, fmt.Errorf("resize: set non-blocking: %w", err)
		}
	}
	return n, nil
}

func (n *Notifier) forward() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-n.sig:
			n.Notify()
		}
	}
}

// Fd returns the descriptor to poll for readability.
func (n *Notifier) Fd() uintptr {
	return uintptr(n.rfd)
}

// Notify marks a size change as pending. It never blocks: a full pipe
// already means a notification is pending.
func (n *Notifier) Notify() {
	_, _ = unix.Write(n.wfd, []byte{1})
}

// Drain consumes every pending notification. It must be called before
// the new size is queried so that a change arriving afterwards makes the
// descriptor readable again.
func (n *Notifier) Drain() (int, error) {
	var buf [64]byte
	total := 0
	for {
		m, err := unix.Read(n.rfd, buf[:])
		if m > 0 {
			total += m
		}
		switch {
		case err == nil && m == 0:
			return total, errors.New("resize: notification pipe closed")
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		default:
			return total, fmt.Errorf("resize: drain: %w", err)
		}
	}
}

// Close stops signal delivery and closes the pipe.
func (n *Notifier) Close() error {
	var err error
	n.closed.Do(func() {
		if n.sig != nil {
			signal.Stop(n.sig)
		}
		close(n.done)
		n.wg.Wait()
		err = errors.Join(n.w.Close(), n.r.Close())
	})
	return err
}
