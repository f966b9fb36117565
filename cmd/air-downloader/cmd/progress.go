package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gosuri/uilive"

	"go-air-download/internal/helpers"
)

const progressInterval = 100 * time.Millisecond

var spinnerFrames = []string{"|", "/", "-", "\\"}

// progressPrinter renders transfer progress on a live-updating terminal line.
type progressPrinter struct {
	mu     sync.Mutex
	writer *uilive.Writer
	name   string
	start  time.Time
	last   time.Time
	frame  int
}

func newProgressPrinter(out io.Writer, name string) *progressPrinter {
	writer := uilive.New()
	writer.Out = out
	writer.Start()
	return &progressPrinter{writer: writer, name: name, start: time.Now()}
}

// Update is a downloader.ProgressFunc.
func (p *progressPrinter) Update(done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	finished := total >= 0 && done >= total
	if !finished && now.Sub(p.last) < progressInterval {
		return
	}
	p.last = now
	p.frame++
	fmt.Fprintln(p.writer, formatProgress(p.name, done, total, p.frame, now.Sub(p.start)))
}

// Stop flushes the last line and releases the terminal.
func (p *progressPrinter) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer.Stop()
}

// formatProgress renders one progress line. A negative total shows a spinner instead of a percentage.
func formatProgress(name string, done, total int64, frame int, elapsed time.Duration) string {
	rate := ""
	if secs := elapsed.Seconds(); secs > 0 && done > 0 {
		rate = fmt.Sprintf(" %s/s", helpers.BytesToSize(uint64(float64(done)/secs)))
	}
	if total < 0 {
		return fmt.Sprintf("%s %s %s%s", spinnerFrames[frame%len(spinnerFrames)], name, helpers.BytesToSize(uint64(done)), rate)
	}
	pct := 100.0
	if total > 0 {
		pct = float64(done) * 100 / float64(total)
	}
	return fmt.Sprintf("%s %5.1f%% (%s / %s)%s", name, pct, helpers.BytesToSize(uint64(done)), helpers.BytesToSize(uint64(total)), rate)
}
