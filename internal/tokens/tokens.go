// Package tokens counts tokens for category routing and usage estimation.
package tokens

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/canonical"
)

const DefaultEncoding = "cl100k_base"

// Counter counts the tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}

	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	return len(c.enc.Encode(text, nil, nil))
}

// EstimateCounter approximates four characters per token.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	return (len(text) + 3) / 4
}

// NewCounter returns a tiktoken counter, or the estimate when the encoding
// cannot be loaded.
func NewCounter(logger *slog.Logger) Counter {
	c, err := NewTiktokenCounter(DefaultEncoding)
	if err != nil {
		if logger != nil {
			logger.Warn("Failed to get tiktoken encoding, estimating tokens", "error", err)
		}

		return EstimateCounter{}
	}

	return c
}

// CountRequest counts the input tokens of a request: system, message content
// and tool definitions.
func CountRequest(c Counter, req *canonical.Request) int {
	if c == nil || req == nil {
		return 0
	}

	var sb strings.Builder

	sb.WriteString(req.System)

	for _, msg := range req.Messages {
		writeBlocks(&sb, msg.Content)
	}

	for _, t := range req.Tools {
		sb.WriteString(t.Name)
		sb.WriteString(t.Description)

		if t.Parameters != nil {
			if data, err := json.Marshal(t.Parameters); err == nil {
				sb.Write(data)
			}
		}
	}

	return c.Count(sb.String())
}

// CountResponse counts the output tokens of a response.
func CountResponse(c Counter, resp *canonical.Response) int {
	if c == nil || resp == nil {
		return 0
	}

	var sb strings.Builder

	writeBlocks(&sb, resp.Content)

	return c.Count(sb.String())
}

func writeBlocks(sb *strings.Builder, blocks []canonical.ContentBlock) {
	for _, b := range blocks {
		switch b.Type {
		case canonical.ContentTypeText:
			sb.WriteString(b.Text)
		case canonical.ContentTypeToolUse:
			sb.WriteString(b.Name)

			if data, err := json.Marshal(b.Input); err == nil {
				sb.Write(data)
			}
		case canonical.ContentTypeToolResult:
			sb.WriteString(b.ResultText())
		}
	}
}
