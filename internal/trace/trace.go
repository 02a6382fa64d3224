// Package trace provides per-session correlation for structured logging.
//
// A Trace carries a short, collision-resistant session ID and an
// accumulating set of structured fields (peer address, byte counts,
// recipient counts, ...) through the lifetime of one SMTP connection or
// one outbound ACS request, so every log record for that unit of work can
// be joined on session_id.
package trace

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ArrEssJay/smtp-acs-bridge/internal/log"
)

// A Trace represents one correlated unit of work (an SMTP session, or a
// single outbound ACS request).
type Trace struct {
	family     string
	title      string
	titleField string
	id         string
	start      time.Time
	fields     log.Fields
}

// New starts a trace, minting a fresh session ID. title is logged under
// the peer_addr field, since a root trace is always an accepted
// connection.
func New(family, title string) *Trace {
	return &Trace{
		family:     family,
		title:      title,
		titleField: "peer_addr",
		id:         shortID(),
		start:      time.Now(),
		fields:     log.Fields{},
	}
}

// NewChild starts a trace nested under this one (e.g. the ACS request
// issued while handling an SMTP session), sharing the parent's session ID
// so log records from both can be joined. title is logged under the
// target field, distinct from the parent's peer_addr.
func (t *Trace) NewChild(family, title string) *Trace {
	fields := log.Fields{}
	for k, v := range t.fields {
		fields[k] = v
	}
	return &Trace{
		family:     family,
		title:      title,
		titleField: "target",
		id:         t.id,
		start:      time.Now(),
		fields:     fields,
	}
}

// ID returns the trace's session ID.
func (t *Trace) ID() string {
	return t.id
}

// WithField attaches a structured field (peer_addr, bytes,
// recipient_count, ...) to every subsequent log record on this trace.
func (t *Trace) WithField(key string, value interface{}) *Trace {
	t.fields[key] = value
	return t
}

func (t *Trace) entry() *logrus.Entry {
	f := log.Fields{
		"session_id": t.id,
		"component":  t.family,
	}
	if t.title != "" {
		f[t.titleField] = t.title
	}
	for k, v := range t.fields {
		f[k] = v
	}
	return log.WithFields(f)
}

// Printf logs a message on this trace, at info level.
func (t *Trace) Printf(format string, a ...interface{}) {
	t.entry().Infof(format, a...)
}

// Debugf logs a message on this trace, at debug level.
func (t *Trace) Debugf(format string, a ...interface{}) {
	t.entry().Debugf(format, a...)
}

// Errorf formats, logs at error level, and returns the formatted error.
func (t *Trace) Errorf(format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	t.entry().Errorf(err.Error())
	return err
}

// Error logs an existing error at error level and returns it unchanged, so
// callers can write `return t.Error(err)`.
func (t *Trace) Error(err error) error {
	t.entry().Errorf(err.Error())
	return err
}

// Finish logs the elapsed wall-clock time for this trace, under the
// ms_elapsed field required for per-connection correlation.
func (t *Trace) Finish() {
	t.WithField("ms_elapsed", time.Since(t.start).Milliseconds()).
		entry().Infof("done")
}

// shortID returns a short, collision-resistant token suitable for log
// correlation: the first 8 hex digits (the first group) of a random UUID.
func shortID() string {
	id := uuid.New().String()
	return id[:8]
}
