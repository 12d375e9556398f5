// Package notify is the user-visible notification sink. Mutations and media
// failures resolve into messages here instead of propagating panics or
// uncaught errors into the host application.
package notify

import (
	"log"
	"sync"
)

// Notifier receives user-facing outcome messages.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Success(msg string) { log.Printf("NOTIFY: %s", msg) }
func (LogNotifier) Error(msg string)   { log.Printf("NOTIFY [error]: %s", msg) }

// Fanout forwards every notification to all registered notifiers.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Notifier
}

// NewFanout creates a fanout over the given sinks.
func NewFanout(sinks ...Notifier) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add registers another sink.
func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	f.sinks = append(f.sinks, n)
	f.mu.Unlock()
}

func (f *Fanout) Success(msg string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.sinks {
		n.Success(msg)
	}
}

func (f *Fanout) Error(msg string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.sinks {
		n.Error(msg)
	}
}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	mu        sync.Mutex
	Successes []string
	Errors    []string
}

func (r *Recorder) Success(msg string) {
	r.mu.Lock()
	r.Successes = append(r.Successes, msg)
	r.mu.Unlock()
}

func (r *Recorder) Error(msg string) {
	r.mu.Lock()
	r.Errors = append(r.Errors, msg)
	r.mu.Unlock()
}

// LastError returns the most recent error message, or "".
func (r *Recorder) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1]
}
