package copilot

import (
	"bufio"
	"io"
	"strings"
)

const maxEventLine = 1 << 20

// Event is one server-sent event
type Event struct {
	Type string
	ID   string
	Data string
}

// EventReader splits a text/event-stream body into events
type EventReader struct {
	scanner *bufio.Scanner
}

func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	return &EventReader{scanner: scanner}
}

// Next returns the next event. It returns io.EOF once the stream ends; an
// event cut off by the end of the stream is still delivered first.
func (r *EventReader) Next() (Event, error) {
	var ev Event
	var data []string
	pending := false

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// A blank line dispatches the event
		if line == "" {
			if pending {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		// Comments keep the connection alive
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			pending = true
		case "event":
			ev.Type = value
			pending = true
		case "id":
			ev.ID = value
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if pending {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
