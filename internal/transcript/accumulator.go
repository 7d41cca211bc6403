// Package transcript merges recognizer fragments from one or more engine
// lifetimes into a single answer.
package transcript

import "strings"

// DefaultDisplayLimit bounds the text returned by Display.
const DefaultDisplayLimit = 120

// Fragment is one incremental recognition result. Sequence orders fragments
// within a single recognizer lifetime.
type Fragment struct {
	Text     string
	Final    bool
	Sequence int
}

// Accumulator keeps the finalized text of the current turn.
//
// Finals from the running lifetime collect in a segment that is folded into
// the accumulated text exactly once, at lifetime end. Interim text is kept
// for display only and is dropped whenever the segment is flushed.
type Accumulator struct {
	accumulated  []string
	segment      []string
	interim      string
	lastFinalSeq int
	displayLimit int
}

func New(displayLimit int) *Accumulator {
	if displayLimit <= 0 {
		displayLimit = DefaultDisplayLimit
	}
	return &Accumulator{displayLimit: displayLimit, lastFinalSeq: -1}
}

// Apply routes a fragment to AppendFinal or AppendInterim. Final fragments
// whose sequence was already seen in this lifetime are ignored. It reports
// whether the fragment changed the accumulator.
func (a *Accumulator) Apply(f Fragment) bool {
	if !f.Final {
		a.AppendInterim(f.Text)
		return true
	}
	if f.Sequence <= a.lastFinalSeq {
		return false
	}
	a.lastFinalSeq = f.Sequence
	a.AppendFinal(f.Text)
	return true
}

func (a *Accumulator) AppendFinal(text string) {
	a.interim = ""
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.segment = append(a.segment, text)
}

func (a *Accumulator) AppendInterim(text string) {
	a.interim = strings.TrimSpace(text)
}

// EndLifetime folds the current segment into the accumulated text and resets
// per-lifetime state. Calling it twice in a row is harmless.
func (a *Accumulator) EndLifetime() {
	a.accumulated = append(a.accumulated, a.segment...)
	a.segment = nil
	a.interim = ""
	a.lastFinalSeq = -1
}

// Display renders accumulated text, the segment and live interim text,
// keeping only the tail when it exceeds the display limit.
func (a *Accumulator) Display() string {
	parts := make([]string, 0, len(a.accumulated)+len(a.segment)+1)
	parts = append(parts, a.accumulated...)
	parts = append(parts, a.segment...)
	if a.interim != "" {
		parts = append(parts, a.interim)
	}
	text := strings.Join(parts, " ")
	runes := []rune(text)
	if len(runes) <= a.displayLimit {
		return text
	}
	return "…" + strings.TrimLeft(string(runes[len(runes)-a.displayLimit+1:]), " ")
}

// TakeFinal returns every final fragment of the turn and clears the
// accumulator.
func (a *Accumulator) TakeFinal() string {
	a.EndLifetime()
	text := strings.Join(a.accumulated, " ")
	a.accumulated = nil
	return text
}

// Reset discards everything, including uncommitted segment text.
func (a *Accumulator) Reset() {
	a.accumulated = nil
	a.segment = nil
	a.interim = ""
	a.lastFinalSeq = -1
}

// Accumulated returns the text committed by completed lifetimes.
func (a *Accumulator) Accumulated() string { return strings.Join(a.accumulated, " ") }

// Segment returns the finals of the running lifetime.
func (a *Accumulator) Segment() string { return strings.Join(a.segment, " ") }

func (a *Accumulator) Empty() bool {
	return len(a.accumulated) == 0 && len(a.segment) == 0
}
