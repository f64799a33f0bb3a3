// Package progress renders executor progress on the console.
package progress

import (
	"fmt"
	"io"
	"time"
)

// Tracker prints current/total, elapsed time and a naive ETA. It satisfies
// the executor's Reporter interface; the executor owns the refresh rate.
type Tracker struct {
	label string
	out   io.Writer
	start time.Time
}

func NewTracker(label string, out io.Writer) *Tracker {
	return &Tracker{label: label, out: out, start: time.Now()}
}

func (t *Tracker) Update(done, total int) {
	elapsed := time.Since(t.start).Round(time.Second)
	var eta time.Duration
	if done > 0 && done < total {
		perItem := time.Since(t.start) / time.Duration(done)
		eta = (perItem * time.Duration(total-done)).Round(time.Second)
	}
	fmt.Fprintf(t.out, "\r%s: %d/%d elapsed=%s eta=%s", t.label, done, total, elapsed, eta)
}

func (t *Tracker) Finish() {
	fmt.Fprintf(t.out, "\n%s: done in %s\n", t.label, time.Since(t.start).Round(time.Second))
}
