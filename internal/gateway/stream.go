package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/client"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/providers"
)

// passthroughStream converts a native stream chunk by chunk. The outcome is
// reported exactly once, when the stream ends, fails or is closed.
type passthroughStream struct {
	chunks     client.ChunkStream
	translator providers.StreamTranslator
	done       func(success bool, err error)
	logger     *slog.Logger
	requestID  string

	queue  []canonical.StreamEvent
	ended  bool
	failed error
	once   sync.Once
}

func (s *passthroughStream) Next(ctx context.Context) (canonical.StreamEvent, bool) {
	for len(s.queue) == 0 {
		if s.ended {
			s.finish()
			return canonical.StreamEvent{}, false
		}

		if ctx.Err() != nil {
			s.ended = true
			s.finish()

			return canonical.StreamEvent{}, false
		}

		chunk, err := s.chunks.Next()

		switch {
		case errors.Is(err, io.EOF):
			s.queue = append(s.queue, s.translator.Finish()...)
			s.ended = true
		case err != nil:
			if ctx.Err() != nil {
				s.ended = true
				continue
			}

			s.abort(&canonical.ProviderError{Message: "upstream stream interrupted", Retryable: true, Err: err})
		default:
			events, terr := s.translator.Translate(chunk)
			if terr != nil {
				s.abort(terr)
				continue
			}

			s.queue = append(s.queue, events...)
		}
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]

	if ev.Type == canonical.EventMessageStop || ev.Type == canonical.EventError {
		s.queue = nil
		s.ended = true
	}

	return ev, true
}

// abort ends the stream with a single error event.
func (s *passthroughStream) abort(err error) {
	s.failed = err
	s.ended = true

	_, errType := canonical.Classify(err)
	s.queue = []canonical.StreamEvent{canonical.ErrorEvent(errType, err.Error())}

	s.logger.Error("Stream transformation error",
		"request_id", s.requestID,
		"error", err)
}

func (s *passthroughStream) finish() {
	s.once.Do(func() {
		s.chunks.Close()

		if s.done != nil {
			s.done(s.failed == nil, s.failed)
		}
	})
}

func (s *passthroughStream) Close() error {
	s.ended = true
	s.queue = nil
	s.finish()

	return nil
}
