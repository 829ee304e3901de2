package commands

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
)

const barWidth = 30

// progressLine redraws a single status line on a terminal
type progressLine struct {
	w      io.Writer
	label  string
	styles styles

	mu     sync.Mutex
	tenths int // last rendered value in 0.1% steps
	drawn  bool
}

func newProgressLine(w io.Writer, label string) *progressLine {
	return &progressLine{w: w, label: label, styles: newStyles(), tenths: -1}
}

// Update redraws the line when the value changed by at least 0.1%
func (p *progressLine) Update(percent float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tenths := int(math.Round(percent * 10))
	if tenths == p.tenths {
		return
	}
	p.tenths = tenths
	p.drawn = true
	fmt.Fprint(p.w, "\r"+p.render(percent))
}

// Finish ends the line so later output starts on a fresh one
func (p *progressLine) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}

func (p *progressLine) render(percent float64) string {
	percent = math.Max(0, math.Min(100, percent))
	filled := int(percent / 100 * barWidth)
	bar := p.styles.bar.Render(strings.Repeat("█", filled)) +
		p.styles.dim.Render(strings.Repeat("░", barWidth-filled))
	return fmt.Sprintf("%s %s %5.1f%%", p.styles.label.Render(p.label), bar, percent)
}
