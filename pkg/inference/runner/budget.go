package runner

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/ehosp/pkg/conversation"
)

// HistoryBudget keeps the most recent turns that fit in a token budget.
// Live transcripts grow for the whole connection; older turns are dropped first.
type HistoryBudget struct {
	codec     tokenizer.Codec
	maxTokens int
}

func NewHistoryBudget(maxTokens int) (*HistoryBudget, error) {
	if maxTokens <= 0 {
		return nil, errors.New("history budget: maxTokens must be positive")
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "history budget: load codec")
	}
	return &HistoryBudget{codec: codec, maxTokens: maxTokens}, nil
}

func (b *HistoryBudget) count(text string) int {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		// fall back to a rough estimate rather than dropping the turn
		return len(text)/4 + 1
	}
	return len(ids)
}

// Trim returns the longest suffix of msgs whose token count fits the budget.
// The most recent message is always kept.
func (b *HistoryBudget) Trim(msgs []conversation.Message) []conversation.Message {
	if b == nil || len(msgs) == 0 {
		return msgs
	}
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += b.count(msgs[i].Content)
		if total > b.maxTokens && i < len(msgs)-1 {
			break
		}
		start = i
	}
	if start == 0 {
		return msgs
	}
	return append([]conversation.Message(nil), msgs[start:]...)
}

// Count returns the token count of text.
func (b *HistoryBudget) Count(text string) int {
	return b.count(text)
}
