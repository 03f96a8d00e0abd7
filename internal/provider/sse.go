package provider

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// scanEvents reads a Messages API streaming body and hands each named
// server-sent event to handle. The API names every event and delivers one
// JSON payload per event; comment lines keep the connection alive and are
// skipped. Multi-line data fields are joined before dispatch.
func scanEvents(body io.Reader, handle func(name string, data []byte) error) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var (
		name string
		data []byte
	)
	dispatch := func() error {
		if len(data) == 0 {
			name = ""
			return nil
		}
		err := handle(name, data)
		name, data = "", nil
		return err
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// Keep-alive comment.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("provider: read event stream: %w", err)
	}
	return dispatch()
}
