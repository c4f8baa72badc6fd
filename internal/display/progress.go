package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"mongo-env-sync/internal/logging"
)

// SpinnerStyle defines the visual style of a spinner
type SpinnerStyle struct {
	Frames []string
	Delay  time.Duration
}

var (
	dotsSpinner = SpinnerStyle{
		Frames: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		Delay:  80 * time.Millisecond,
	}
	lineSpinner = SpinnerStyle{
		Frames: []string{"-", "\\", "|", "/"},
		Delay:  100 * time.Millisecond,
	}
)

// Spinner shows the running tool and its latest output line on one terminal
// line. It satisfies runner.ProgressSink.
type Spinner struct {
	writer  io.Writer
	style   SpinnerStyle
	colors  *ColorSystem
	theme   ColorTheme
	animate bool
	icons   bool
	width   int

	mu      sync.Mutex
	label   string
	last    string
	started time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSpinner(p *Printer) *Spinner {
	style := lineSpinner
	if p.unicode {
		style = dotsSpinner
	}
	return &Spinner{
		writer:  p.err,
		style:   style,
		colors:  p.colors,
		theme:   p.theme,
		animate: p.interactive,
		icons:   p.unicode,
		width:   terminalWidth(),
	}
}

// Start begins a new step
func (s *Spinner) Start(label string) {
	s.mu.Lock()
	s.label = label
	s.last = ""
	s.started = time.Now()
	if !s.animate {
		s.mu.Unlock()
		fmt.Fprintf(s.writer, "%s %s...\n", renderIcon("arrow", s.icons), label)
		return
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

// Line records the latest tool output line
func (s *Spinner) Line(line string) {
	s.mu.Lock()
	s.last = logging.SanitizeURI(strings.TrimSpace(line))
	s.mu.Unlock()
}

// Stop ends the current step
func (s *Spinner) Stop(success bool) {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	label, elapsed := s.label, time.Since(s.started).Round(100*time.Millisecond)
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
		s.clearLine()
	}

	icon, clr := renderIcon("success", s.icons), s.theme.Success
	if !success {
		icon, clr = renderIcon("error", s.icons), s.theme.Error
	}
	fmt.Fprintf(s.writer, "%s %s (%s)\n", s.colors.Colorize(icon, clr), label, elapsed)
}

func (s *Spinner) loop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()
	defer close(doneCh)

	ticker := time.NewTicker(s.style.Delay)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			text := s.label
			if s.last != "" {
				text += ": " + s.last
			}
			s.mu.Unlock()

			if s.width > 4 {
				text = truncate(text, s.width-4)
			}
			glyph := s.colors.Colorize(s.style.Frames[frame%len(s.style.Frames)], s.theme.Primary)
			s.clearLine()
			fmt.Fprintf(s.writer, "%s %s", glyph, text)
		}
	}
}

func (s *Spinner) clearLine() {
	fmt.Fprint(s.writer, "\r\033[K")
}
