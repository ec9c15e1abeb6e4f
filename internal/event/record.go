// Package event defines the records produced when a tracked process is
// observed doing something.
//
// A Record carries exactly one Payload. The set of payload types is closed:
// FilesystemEvent, ImageLoadEvent, RegistryEvent and ProcessLifecycleEvent.
package event

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Bounds on the fixed-size text fields of a Record.
const (
	MaxTimestampLen = 128
	MaxActionLen    = 64
)

// TimestampLayout is the layout of Record.Timestamp.
const TimestampLayout = time.RFC3339Nano

// Kind discriminates payload variants.
type Kind uint8

const (
	KindFilesystem Kind = iota + 1
	KindImageLoad
	KindRegistry
	KindProcess
)

var kindNames = map[Kind]string{
	KindFilesystem: "filesystem",
	KindImageLoad:  "image_load",
	KindRegistry:   "registry",
	KindProcess:    "process",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Payload is implemented by the four event variants only.
type Payload interface {
	Kind() Kind
	action() string
	clone() Payload
}

// Record is a timestamped, labelled event.
type Record struct {
	Timestamp string
	Action    string
	Payload   Payload
}

// New builds a record stamped with ts and labelled from the payload.
func New(ts time.Time, p Payload) Record {
	r := Record{
		Timestamp: truncate(ts.Format(TimestampLayout), MaxTimestampLen),
		Payload:   p,
	}
	if p != nil {
		r.Action = truncate(p.action(), MaxActionLen)
	}
	return r
}

// WithAction returns a copy of r with its action label replaced.
func (r Record) WithAction(label string) Record {
	r.Action = truncate(label, MaxActionLen)
	return r
}

// Kind returns the payload kind, or 0 for an empty record.
func (r Record) Kind() Kind {
	if r.Payload == nil {
		return 0
	}
	return r.Payload.Kind()
}

// Clone returns a deep copy of r. The copy shares no memory with r.
func (r Record) Clone() Record {
	c := Record{
		Timestamp: strings.Clone(truncate(r.Timestamp, MaxTimestampLen)),
		Action:    strings.Clone(truncate(r.Action, MaxActionLen)),
	}
	if r.Payload != nil {
		c.Payload = r.Payload.clone()
	}
	return c
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
