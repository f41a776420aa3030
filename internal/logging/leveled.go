package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Flags used by every component logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// Leveled wraps a *log.Logger and tags lines with a severity. Debugf is
// dropped unless the logger was built with level "debug".
type Leveled struct {
	*log.Logger
	debug bool
}

// New builds a component logger writing to w with the given prefix.
func New(w io.Writer, prefix, level string) *Leveled {
	if w == nil {
		w = os.Stdout
	}
	return Wrap(log.New(w, prefix, Flags), level)
}

// Wrap attaches a level to an existing logger.
func Wrap(l *log.Logger, level string) *Leveled {
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	return &Leveled{Logger: l, debug: strings.EqualFold(strings.TrimSpace(level), "debug")}
}

// Discard returns a logger that writes nowhere.
func Discard() *Leveled {
	return Wrap(log.New(io.Discard, "", 0), "info")
}

// Named derives a logger sharing the output and level with a different prefix.
func (l *Leveled) Named(prefix string) *Leveled {
	return &Leveled{Logger: log.New(l.Writer(), prefix, l.Flags()), debug: l.debug}
}

func (l *Leveled) Infof(format string, args ...any)  { l.Printf("[INFO] "+format, args...) }
func (l *Leveled) Warnf(format string, args ...any)  { l.Printf("[WARN] "+format, args...) }
func (l *Leveled) Errorf(format string, args ...any) { l.Printf("[ERROR] "+format, args...) }

func (l *Leveled) Debugf(format string, args ...any) {
	if l.debug {
		l.Printf("[DEBUG] "+format, args...)
	}
}

// DebugEnabled reports whether Debugf output is kept.
func (l *Leveled) DebugEnabled() bool { return l.debug }
