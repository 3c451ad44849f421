package client

import (
	"bufio"
	"context"
	"io"
	"strings"
)

const maxSSELineBytes = 4 << 20

type sseStream struct {
	body    io.Closer
	reader  io.Reader
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
}

func newSSEStream(reader io.Reader, body io.Closer, cancel context.CancelFunc) *sseStream {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELineBytes)

	return &sseStream{body: body, reader: reader, scanner: scanner, cancel: cancel}
}

// Next returns the next data payload. Comments, event names and blank lines
// are skipped. The [DONE] sentinel is returned once, then io.EOF.
func (s *sseStream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
		}

		return []byte(data), nil
	}

	s.done = true

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	return nil, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true

	if closer, ok := s.reader.(io.Closer); ok {
		closer.Close()
	}

	err := s.body.Close()
	s.cancel()

	return err
}
