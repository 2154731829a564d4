// Package activity carries the per-image progress and log state through the
// extraction pipeline.
package activity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Logger is the pipeline's activity sink. It fans every message out to the
// process logger and to a per-image memory buffer so the driver can emit a
// summary line for each image after the run.
type Logger struct {
	log.Interface

	mu       sync.Mutex
	mem      *memory.Handler
	image    string
	module   string
	progress *mpb.Progress
	bar      *mpb.Bar
}

// New creates an activity logger backed by the given process logger.
func New(parent log.Interface) *Logger {
	mem := memory.New()
	return &Logger{
		Interface: parent,
		mem:       mem,
	}
}

// StartImage resets the per-image buffer and names the image being processed.
func (a *Logger) StartImage(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.image = name
	a.module = ""
	a.mem = memory.New()
}

// SetModule names the pipeline stage currently running, mirroring the
// "Slide Info", "Linkedit Optimizer", ... headings of the activity display.
func (a *Logger) SetModule(module string) {
	a.mu.Lock()
	a.module = module
	a.mu.Unlock()
	a.Debugf("[%s] %s", a.image, module)
}

// Update ticks the progress bar, if one is attached.
func (a *Logger) Update() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bar != nil {
		a.bar.Increment()
	}
}

// AttachBar creates a progress bar sized to total work units.
func (a *Logger) AttachBar(total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = mpb.New(mpb.WithWidth(80))
	name := "      "
	a.bar = a.progress.New(total,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name), C: decor.DindentRight | decor.DextraSpace}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ "),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d/%d"),
			decor.Name(" ] "),
		),
	)
}

// Wait flushes the progress display.
func (a *Logger) Wait() {
	a.mu.Lock()
	p := a.progress
	a.mu.Unlock()
	if p != nil {
		p.Wait()
	}
}

// Warnf records a warning against the current image and logs it.
func (a *Logger) Warnf(format string, args ...any) {
	a.record(log.WarnLevel, format, args...)
	a.Interface.Warnf(format, args...)
}

// Errorf records an error against the current image and logs it.
func (a *Logger) Errorf(format string, args ...any) {
	a.record(log.ErrorLevel, format, args...)
	a.Interface.Errorf(format, args...)
}

func (a *Logger) record(lvl log.Level, format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mem.HandleLog(&log.Entry{
		Level:   lvl,
		Message: fmt.Sprintf(format, args...),
	})
}

// Summary returns the buffered warnings/errors for the current image as a
// single line, or "ok" when the image extracted cleanly.
func (a *Logger) Summary() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.mem.Entries) == 0 {
		return "ok"
	}
	var warns, errs int
	var first string
	for _, e := range a.mem.Entries {
		switch e.Level {
		case log.WarnLevel:
			warns++
		case log.ErrorLevel:
			errs++
		}
		if first == "" {
			first = e.Message
		}
	}
	return strings.TrimSpace(fmt.Sprintf("%d error(s), %d warning(s); first: %s", errs, warns, first))
}
