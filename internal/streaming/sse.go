package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

// EventSource is anything that yields stream events by pulling.
type EventSource interface {
	Next(ctx context.Context) (canonical.StreamEvent, bool)
}

// WriteSSE writes one event as an `event:`/`data:` frame and flushes it when
// w supports flushing.
func WriteSSE(w io.Writer, ev canonical.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	return nil
}

// Pipe writes every event of src to w and returns the number written. It stops
// at the first write error or when ctx is done.
func Pipe(ctx context.Context, w io.Writer, src EventSource) (int, error) {
	n := 0

	for {
		ev, ok := src.Next(ctx)
		if !ok {
			return n, ctx.Err()
		}

		if err := WriteSSE(w, ev); err != nil {
			return n, err
		}

		n++
	}
}
