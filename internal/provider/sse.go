package provider

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"cellar/internal/port"
)

// ErrStopSSE ends ReadSSE early without an error.
var ErrStopSSE = errors.New("stop reading event stream")

// ReadSSE reads a server-sent event stream, calling fn for every event with
// its type (empty when unnamed) and data payload.
func ReadSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event string
	var data []string
	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		err := fn(event, strings.Join(data, "\n"))
		event, data = "", data[:0]
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				if errors.Is(err, ErrStopSSE) {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := dispatch(); err != nil && !errors.Is(err, ErrStopSSE) {
		return err
	}
	return nil
}

// Send delivers ev unless ctx is done first.
func Send(ctx context.Context, ch chan<- port.StreamEvent, ev port.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
