// Package `mulog` provides minimal Zap-Sugar-like loggers with convenient
// structured logging `Levelw(msg, kv...)` functions.
package mulog

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// `Logger` prints messages with timestamps, using package `log`.
type Logger struct{}

func (Logger) Infow(msg string, kv ...interface{}) {
	log.Printf("info: %s %v\n", msg, kv)
}

func (Logger) Warnw(msg string, kv ...interface{}) {
	log.Printf("warning: %s %v\n", msg, kv)
}

func (Logger) Errorw(msg string, kv ...interface{}) {
	log.Printf("error: %s %v\n", msg, kv)
}

func (Logger) Fatalw(msg string, kv ...interface{}) {
	log.Fatalf("fatal: %s %v\n", msg, kv)
}

// `Printer` prints undecorated messages to stderr, for command line tools.
type Printer struct{}

func (Printer) Infow(msg string, kv ...interface{}) {
	fmt.Fprintf(os.Stderr, "info: %s %v\n", msg, kv)
}

func (Printer) Warnw(msg string, kv ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: %s %v\n", msg, kv)
}

func (Printer) Errorw(msg string, kv ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: %s %v\n", msg, kv)
}

func (Printer) Fatalw(msg string, kv ...interface{}) {
	fmt.Fprintf(os.Stderr, "fatal: %s %v\n", msg, kv)
	os.Exit(1)
}

// `Entry` is a message captured by `Recorder`.
type Entry struct {
	Level string
	Msg   string
	KV    []interface{}
}

// `Recorder` keeps messages in memory.  Tests use it to check that a code
// path logged what operators rely on.  It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, KV: kv})
}

func (r *Recorder) Infow(msg string, kv ...interface{}) {
	r.add("info", msg, kv)
}

func (r *Recorder) Warnw(msg string, kv ...interface{}) {
	r.add("warning", msg, kv)
}

func (r *Recorder) Errorw(msg string, kv ...interface{}) {
	r.add("error", msg, kv)
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// `Has()` reports whether a message at `level` contains `substr`.
func (r *Recorder) Has(level, substr string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			return true
		}
	}
	return false
}
