package display

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

var asciiSpinnerFrames = []string{"-", "\\", "|", "/"}

const spinnerDelay = 100 * time.Millisecond

// Spinner animates a message on the error writer while a long operation
// runs. It does nothing when the writer is not a terminal.
type Spinner struct {
	w       io.Writer
	frames  []string
	palette *Palette

	mu      sync.Mutex
	message string
	active  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// StartSpinner starts a spinner for message. Structured and quiet output get
// an inert spinner.
func (p *Printer) StartSpinner(message string) *Spinner {
	s := &Spinner{w: p.cfg.ErrWriter, frames: asciiSpinnerFrames, palette: p.palette, message: message}
	if p.unicode {
		s.frames = spinnerFrames
	}
	if p.cfg.Quiet || p.Structured() || !isTerminal(p.cfg.ErrWriter) {
		return s
	}

	s.active = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.animate()
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Update replaces the message
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop ends the animation and clears the line. Calling it twice is safe.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	fmt.Fprint(s.w, "\r\033[K")
}

func (s *Spinner) animate() {
	defer close(s.doneCh)

	ticker := time.NewTicker(spinnerDelay)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			frame := s.palette.Sprint(RolePrimary, s.frames[i%len(s.frames)])
			fmt.Fprintf(s.w, "\r\033[K%s %s", frame, msg)
		}
	}
}
