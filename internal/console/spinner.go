package console

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

const spinnerInterval = 100 * time.Millisecond

// Spinner animates a braille indicator on one terminal line while a
// request is in flight.
type Spinner struct {
	w        io.Writer
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewSpinner writes frames to w.
func NewSpinner(w io.Writer) *Spinner {
	return &Spinner{w: w, interval: spinnerInterval}
}

// Start begins the animation. Starting a running spinner is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		frame := 0
		fmt.Fprintf(s.w, "\r%s", spinnerFrames[frame])
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				frame = (frame + 1) % len(spinnerFrames)
				fmt.Fprintf(s.w, "\r%s", spinnerFrames[frame])
			}
		}
	}(s.stop, s.done)
}

// Stop halts the animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	<-s.done
	fmt.Fprint(s.w, "\r          \r")
}
