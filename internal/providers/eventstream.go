package providers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

const (
	headerMessageType   = ":message-type"
	headerEventType     = ":event-type"
	headerExceptionType = ":exception-type"
	headerErrorCode     = ":error-code"
	headerErrorMessage  = ":error-message"
)

// binaryEvent is one decoded frame of an AWS event-stream body.
type binaryEvent struct {
	MessageType string
	EventType   string
	Payload     []byte
}

// decodeEventStream splits a complete binary event-stream body into frames.
// Exception and error frames are returned as ProviderError.
func decodeEventStream(family Family, body []byte) ([]binaryEvent, error) {
	decoder := eventstream.NewDecoder()
	reader := bytes.NewReader(body)

	var (
		events  []binaryEvent
		payload []byte
	)

	for reader.Len() > 0 {
		msg, err := decoder.Decode(reader, payload[:0])
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, &canonical.TransformationError{Family: string(family), Reason: fmt.Sprintf("malformed event-stream frame %d", len(events)), Err: err}
		}

		event := binaryEvent{
			MessageType: headerString(msg.Headers, headerMessageType),
			EventType:   headerString(msg.Headers, headerEventType),
			Payload:     append([]byte(nil), msg.Payload...),
		}

		switch event.MessageType {
		case "exception":
			exceptionType := headerString(msg.Headers, headerExceptionType)
			status := exceptionStatus(exceptionType)

			return nil, &canonical.ProviderError{
				Provider:   string(family),
				StatusCode: status,
				Message:    fmt.Sprintf("%s: %s", exceptionType, string(msg.Payload)),
				Retryable:  status == 429 || status == 503,
			}
		case "error":
			return nil, &canonical.ProviderError{
				Provider: string(family),
				Message:  fmt.Sprintf("%s: %s", headerString(msg.Headers, headerErrorCode), headerString(msg.Headers, headerErrorMessage)),
			}
		}

		events = append(events, event)
		payload = msg.Payload
	}

	return events, nil
}

func exceptionStatus(exceptionType string) int {
	switch {
	case strings.Contains(exceptionType, "Throttling"):
		return 429
	case strings.Contains(exceptionType, "AccessDenied"):
		return 403
	case strings.Contains(exceptionType, "Validation"):
		return 400
	case strings.Contains(exceptionType, "ServiceUnavailable"):
		return 503
	case strings.Contains(exceptionType, "InternalServer"):
		return 500
	}

	return 0
}

func headerString(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}

	return v.String()
}
