package lifecycle

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hpungsan/taskmem/internal/errors"
)

// DecodeEvents reads events from r. It accepts a JSON array, a single JSON
// object, or a stream of objects (JSONL).
func DecodeEvents(r io.Reader) ([]Event, error) {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, errors.NewInvalidRequest("no events in input")
	}
	if err != nil {
		return nil, errors.NewIOFailure("read events", err)
	}

	dec := json.NewDecoder(br)
	dec.DisallowUnknownFields()

	var events []Event
	if first == '[' {
		if err := dec.Decode(&events); err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid events array: %v", err))
		}
	} else {
		for n := 1; ; n++ {
			var ev Event
			err := dec.Decode(&ev)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid event #%d: %v", n, err))
			}
			events = append(events, ev)
		}
	}

	for i, ev := range events {
		if ev.TaskID == "" {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("event #%d: task_id is required", i+1))
		}
	}
	if len(events) == 0 {
		return nil, errors.NewInvalidRequest("no events in input")
	}
	return events, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.Discard(1); err != nil {
			return 0, err
		}
	}
}
