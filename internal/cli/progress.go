package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
)

// ProgressBar renders apply progress on a terminal.
type ProgressBar struct {
	writer io.Writer
	bar    *progressbar.ProgressBar
	done   int
}

// NewProgressBar creates a progress bar writing to writer, or stderr when nil.
func NewProgressBar(writer io.Writer) *ProgressBar {
	if writer == nil {
		writer = os.Stderr
	}
	return &ProgressBar{writer: writer}
}

// Start resets the bar for total records.
func (p *ProgressBar) Start(label string, total int) {
	p.done = 0
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.writer),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]"+label+"...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(p.writer); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)
}

// Advance moves the bar by one record.
func (p *ProgressBar) Advance() {
	p.done++
	if p.bar == nil {
		return
	}
	if err := p.bar.Add(1); err != nil {
		slog.Warn("Failed to update progress bar", "error", err)
	}
}

// Finish closes the bar. An interrupted run leaves it short of its total.
func (p *ProgressBar) Finish() {
	if p.bar == nil {
		return
	}
	if p.bar.IsFinished() {
		return
	}
	if err := p.bar.Exit(); err != nil {
		slog.Warn("Failed to close progress bar", "error", err)
	}
	if _, err := fmt.Fprintln(p.writer); err != nil {
		slog.Warn("Failed to write newline after progress bar", "error", err)
	}
}

// Done returns how many records have been advanced since Start.
func (p *ProgressBar) Done() int {
	return p.done
}
