package canonical

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// toolIDNamespace seeds the name-based UUIDs of synthesized tool_use ids.
var toolIDNamespace = uuid.MustParse("6f1c1a8e-2b7d-4c43-9d8e-5a0d3f7b9c21")

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SynthesizeToolUseID derives a stable tool_use id from the request id and
// the block position, so identical input always yields identical ids.
func SynthesizeToolUseID(requestID string, index int) string {
	id := uuid.NewSHA1(toolIDNamespace, []byte(requestID+"#"+strconv.Itoa(index)))
	return "toolu_" + strings.ReplaceAll(id.String(), "-", "")[:24]
}

// MessageIDFor derives a stable message id when the provider supplies none.
func MessageIDFor(requestID string) string {
	if requestID == "" {
		return NewMessageID()
	}

	id := uuid.NewSHA1(toolIDNamespace, []byte("message:"+requestID))

	return "msg_" + strings.ReplaceAll(id.String(), "-", "")
}
