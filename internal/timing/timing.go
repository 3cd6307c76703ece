// Package timing records how long the phases of an install or boot take.
package timing

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/log"
)

// Timer tracks durations of named phases. It is safe for concurrent use.
type Timer struct {
	mu     sync.Mutex
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase is a named span of time.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a Timer starting now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark records a phase ending now, measured from the previous mark.
func (t *Timer) Mark(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the time elapsed since the timer was created.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns a copy of the recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Fields renders the phases as log fields.
func (t *Timer) Fields() log.Fields {
	fields := log.Fields{}
	for _, p := range t.Phases() {
		fields[p.Name] = formatDuration(p.Duration)
	}
	fields["total"] = formatDuration(t.Total())
	return fields
}

// Report prints a table of the phases under title.
func (t *Timer) Report(w io.Writer, title string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== %s ===\n", title)
	for _, p := range t.Phases() {
		fmt.Fprintf(w, "  %-24s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-24s %s\n", "TOTAL:", formatDuration(t.Total()))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
