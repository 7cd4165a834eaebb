package terminal

import (
	"fmt"
	"os"

	creackpty "github.com/creack/pty"
)

// WindowSize is a terminal's dimensions in character cells.
type WindowSize struct {
	Cols uint16
	Rows uint16
}

// Oracle reads the size of the real terminal and pushes it to a child
// PTY. The size only ever flows from the real terminal to the child.
type Oracle struct {
	tty   *os.File
	child *os.File
}

// NewOracle returns an Oracle reading tty and applying sizes to child,
// the master side of the child's PTY.
func NewOracle(tty, child *os.File) *Oracle {
	return &Oracle{tty: tty, child: child}
}

// CurrentSize queries the real terminal's dimensions.
func (o *Oracle) CurrentSize() (WindowSize, error) {
	ws, err := creackpty.GetsizeFull(o.tty)
	if err != nil {
		return WindowSize{}, fmt.Errorf("terminal: get window size: %w", err)
	}
	return WindowSize{Cols: ws.Cols, Rows: ws.Rows}, nil
}

// Apply sets the child PTY's dimensions.
func (o *Oracle) Apply(ws WindowSize) error {
	if err := creackpty.Setsize(o.child, &creackpty.Winsize{Cols: ws.Cols, Rows: ws.Rows}); err != nil {
		return fmt.Errorf("terminal: set window size %dx%d: %w", ws.Cols, ws.Rows, err)
	}
	return nil
}

// Sync copies the current size to the child and returns it.
func (o *Oracle) Sync() (WindowSize, error) {
	ws, err := o.CurrentSize()
	if err != nil {
		return WindowSize{}, err
	}
	return ws, o.Apply(ws)
}
