// Package stream extracts top-level JSON fields from a model response while
// it is still arriving.
//
// A Detector owns one growing buffer. Each ProcessChunk call appends text and
// returns a lazy sequence of the fields that became complete. Bytes are
// scanned exactly once; the scanner keeps its state between calls, so chunk
// boundaries can fall anywhere, including inside escapes and nested values.
package stream

import (
	"encoding/json"
	"iter"
	"strings"
)

// FieldEvent is a top-level field whose value is syntactically complete.
type FieldEvent struct {
	Name  string
	Value any
}

type scanState int

const (
	stateBeforeRoot scanState = iota
	stateExpectKey
	stateInKey
	stateExpectColon
	stateExpectValue
	stateInString
	stateInCompound
	stateInLiteral
	stateDone
	stateBroken
)

// Detector is not safe for concurrent use; calls must be sequential.
type Detector struct {
	buf    []byte
	cursor int
	state  scanState

	escaped    bool
	keyStart   int
	currentKey string
	valueStart int
	depth      int
	inString   bool

	targets map[string]struct{}
	seen    map[string]struct{}
	emitted map[string]any
}

// NewDetector returns an empty detector that emits every top-level field.
func NewDetector() *Detector {
	d := &Detector{}
	d.Reset()
	return d
}

// SetTargetFields restricts emission to names. No names means all fields.
func (d *Detector) SetTargetFields(names ...string) {
	if len(names) == 0 {
		d.targets = nil
		return
	}
	d.targets = make(map[string]struct{}, len(names))
	for _, n := range names {
		d.targets[n] = struct{}{}
	}
}

// ProcessChunk appends chunk to the buffer and returns the fields completed by
// it. The sequence scans lazily and can be ranged once; if the consumer stops
// early the remaining bytes are scanned by the next sequence.
func (d *Detector) ProcessChunk(chunk string) iter.Seq[FieldEvent] {
	d.buf = append(d.buf, chunk...)
	used := false
	return func(yield func(FieldEvent) bool) {
		if used {
			return
		}
		used = true
		for {
			ev, ok := d.next()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// HasField reports whether name has been emitted.
func (d *Detector) HasField(name string) bool {
	_, ok := d.emitted[name]
	return ok
}

// Fields returns a copy of every field emitted so far.
func (d *Detector) Fields() map[string]any {
	out := make(map[string]any, len(d.emitted))
	for k, v := range d.emitted {
		out[k] = v
	}
	return out
}

// Buffer returns the raw text accumulated so far.
func (d *Detector) Buffer() string {
	return string(d.buf)
}

// TryParseComplete parses the whole buffer, target or not. It returns false
// until the buffer holds a valid JSON object.
func (d *Detector) TryParseComplete() (map[string]any, bool) {
	obj := ExtractObject(string(d.buf))
	if obj == "" {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, false
	}
	return out, true
}

// Reset clears all state, target fields included, so the detector can serve
// a new request.
func (d *Detector) Reset() {
	*d = Detector{
		seen:    make(map[string]struct{}),
		emitted: make(map[string]any),
	}
}

// ExtractObject trims surrounding prose and Markdown fences, returning the
// text from the first '{' to the last '}', or "" when there is none.
func ExtractObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

func (d *Detector) next() (FieldEvent, bool) {
	for d.cursor < len(d.buf) {
		c := d.buf[d.cursor]
		switch d.state {
		case stateBeforeRoot:
			if c == '{' {
				d.state = stateExpectKey
			}
			d.cursor++

		case stateExpectKey:
			switch {
			case isSpace(c) || c == ',':
			case c == '"':
				d.state = stateInKey
				d.keyStart = d.cursor
				d.escaped = false
			case c == '}':
				d.state = stateDone
			default:
				d.state = stateBroken
			}
			d.cursor++

		case stateInKey:
			d.cursor++
			if d.escaped {
				d.escaped = false
				continue
			}
			switch c {
			case '\\':
				d.escaped = true
			case '"':
				var key string
				if err := json.Unmarshal(d.buf[d.keyStart:d.cursor], &key); err != nil {
					d.state = stateBroken
					continue
				}
				d.currentKey = key
				d.state = stateExpectColon
			}

		case stateExpectColon:
			switch {
			case c == ':':
				d.state = stateExpectValue
			case !isSpace(c):
				d.state = stateBroken
			}
			d.cursor++

		case stateExpectValue:
			if isSpace(c) {
				d.cursor++
				continue
			}
			d.valueStart = d.cursor
			d.escaped = false
			switch c {
			case '"':
				d.state = stateInString
			case '{', '[':
				d.state = stateInCompound
				d.depth = 1
				d.inString = false
			case '}', ']', ',', ':':
				d.state = stateBroken
			default:
				d.state = stateInLiteral
			}
			d.cursor++

		case stateInString:
			d.cursor++
			if d.escaped {
				d.escaped = false
				continue
			}
			switch c {
			case '\\':
				d.escaped = true
			case '"':
				d.state = stateExpectKey
				if ev, ok := d.complete(d.buf[d.valueStart:d.cursor]); ok {
					return ev, true
				}
			}

		case stateInCompound:
			d.cursor++
			if d.inString {
				switch {
				case d.escaped:
					d.escaped = false
				case c == '\\':
					d.escaped = true
				case c == '"':
					d.inString = false
				}
				continue
			}
			switch c {
			case '"':
				d.inString = true
			case '{', '[':
				d.depth++
			case '}', ']':
				d.depth--
				if d.depth == 0 {
					d.state = stateExpectKey
					if ev, ok := d.complete(d.buf[d.valueStart:d.cursor]); ok {
						return ev, true
					}
				}
			}

		case stateInLiteral:
			if c == ',' || c == '}' || c == ']' || isSpace(c) {
				// The delimiter is left for stateExpectKey.
				d.state = stateExpectKey
				if ev, ok := d.complete(d.buf[d.valueStart:d.cursor]); ok {
					return ev, true
				}
				continue
			}
			d.cursor++

		default:
			d.cursor = len(d.buf)
		}
	}
	return FieldEvent{}, false
}

// complete decodes a finished value for the current key and decides whether
// it is emitted. Every key is decided once; nulls and malformed values are
// consumed silently.
func (d *Detector) complete(raw []byte) (FieldEvent, bool) {
	name := d.currentKey
	if _, dup := d.seen[name]; dup {
		return FieldEvent{}, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return FieldEvent{}, false
	}
	d.seen[name] = struct{}{}
	if v == nil || !d.isTarget(name) {
		return FieldEvent{}, false
	}
	d.emitted[name] = v
	return FieldEvent{Name: name, Value: v}, true
}

func (d *Detector) isTarget(name string) bool {
	if d.targets == nil {
		return true
	}
	_, ok := d.targets[name]
	return ok
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
