// Package asciinema models the asciinema v2 recording format used for session
// transcripts: one JSON header line followed by one JSON array per event.
package asciinema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Kind tags an Event.
type Kind uint8

const (
	KindOutput Kind = iota + 1
	KindInput
	KindResize
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindOutput:
		return "o"
	case KindInput:
		return "i"
	case KindResize:
		return "r"
	case KindExit:
		return "exit"
	}
	return "unknown"
}

var ErrMalformed = errors.New("asciinema: malformed event")

// Header is the first line of a recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one recording entry. Time and Data are set for output, input and
// resize events; ExitCode and SessionID for exit events.
type Event struct {
	Kind      Kind
	Time      float64
	Data      string
	ExitCode  int
	SessionID string
}

func Output(t float64, data string) Event { return Event{Kind: KindOutput, Time: t, Data: data} }
func Input(t float64, data string) Event  { return Event{Kind: KindInput, Time: t, Data: data} }
func Exit(code int, sessionID string) Event {
	return Event{Kind: KindExit, ExitCode: code, SessionID: sessionID}
}

// Resize builds a resize event with the "COLSxROWS" payload.
func Resize(t float64, cols, rows int) Event {
	return Event{Kind: KindResize, Time: t, Data: strconv.Itoa(cols) + "x" + strconv.Itoa(rows)}
}

// Dimensions parses a resize payload.
func (e Event) Dimensions() (cols, rows int, ok bool) {
	if e.Kind != KindResize {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(e.Data, "%dx%d", &cols, &rows); err != nil || cols <= 0 || rows <= 0 {
		return 0, 0, false
	}
	return cols, rows, true
}

// WithTime returns a copy with the timestamp replaced. Exit events carry no
// timestamp and are returned unchanged.
func (e Event) WithTime(t float64) Event {
	if e.Kind != KindExit {
		e.Time = t
	}
	return e
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindOutput, KindInput, KindResize:
		return json.Marshal([]any{e.Time, e.Kind.String(), e.Data})
	case KindExit:
		return json.Marshal([]any{"exit", e.ExitCode, e.SessionID})
	}
	return nil, fmt.Errorf("asciinema: cannot marshal event kind %d", e.Kind)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	ev, err := ParseEvent(b)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// ParseEvent decodes one event line.
func ParseEvent(line []byte) (Event, error) {
	if !gjson.ValidBytes(line) {
		return Event{}, ErrMalformed
	}
	r := gjson.ParseBytes(line)
	if !r.IsArray() {
		return Event{}, ErrMalformed
	}
	parts := r.Array()
	if len(parts) != 3 {
		return Event{}, ErrMalformed
	}

	if parts[0].Type == gjson.String {
		if parts[0].Str != "exit" || parts[1].Type != gjson.Number {
			return Event{}, ErrMalformed
		}
		return Exit(int(parts[1].Int()), parts[2].String()), nil
	}

	if parts[0].Type != gjson.Number || parts[1].Type != gjson.String || parts[2].Type != gjson.String {
		return Event{}, ErrMalformed
	}
	t := parts[0].Float()
	switch parts[1].Str {
	case "o":
		return Output(t, parts[2].Str), nil
	case "i":
		return Input(t, parts[2].Str), nil
	case "r":
		return Event{Kind: KindResize, Time: t, Data: parts[2].Str}, nil
	}
	return Event{}, ErrMalformed
}

// ParseHeader decodes the header line.
func ParseHeader(line []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, fmt.Errorf("asciinema: parse header: %w", err)
	}
	if h.Version == 0 {
		return Header{}, fmt.Errorf("asciinema: header without version")
	}
	return h, nil
}
