package compact

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/loomhq/loom/internal/entity"
)

// messageOverhead approximates the per-message framing tokens providers add
// around each chat message.
const messageOverhead = 3

// Estimator counts tokens with the cl100k_base encoding, falling back to a
// bytes/4 heuristic when the encoding is unavailable (for example offline,
// since tiktoken may fetch encoding data on first use).
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator builds an estimator; it never fails, only degrades.
func NewEstimator() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// CountText estimates tokens in a string.
func (e *Estimator) CountText(s string) int {
	if s == "" {
		return 0
	}
	if e.enc == nil {
		return (len(s) + 3) / 4
	}
	return len(e.enc.Encode(s, nil, nil))
}

// CountMessage estimates one message including its tool-call payloads.
func (e *Estimator) CountMessage(m entity.Message) int {
	n := messageOverhead
	n += e.CountText(m.Content)
	n += e.CountText(m.Reasoning)
	for _, tc := range m.ToolCalls {
		n += e.CountText(tc.Name)
		n += e.CountText(tc.Arguments)
	}
	return n
}

// CountMessages estimates a whole conversation.
func (e *Estimator) CountMessages(msgs []entity.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.CountMessage(m)
	}
	return total
}
