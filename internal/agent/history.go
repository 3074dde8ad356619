package agent

import (
	"github.com/invorto-ai/invorto/pkg/types"
)

// minRetained is the number of most recent messages pruning always keeps,
// so the model never loses the immediate exchange even under a tight
// budget.
const minRetained = 4

// History holds the conversation messages of one session. The system
// prompt lives outside the slice; pruning never touches it.
//
// History is not safe for concurrent use; the runtime owns it.
type History struct {
	messages []types.Message
}

// Append adds a message to the end of the history.
func (h *History) Append(m types.Message) {
	h.messages = append(h.messages, m)
}

// Messages returns the current history slice. Callers must not mutate it.
func (h *History) Messages() []types.Message {
	return h.messages
}

// Len reports the number of messages.
func (h *History) Len() int { return len(h.messages) }

// MarkLastInterrupted flags the most recent assistant message as cut short
// by a barge-in. No-op when the history is empty or ends with another role.
func (h *History) MarkLastInterrupted() {
	if n := len(h.messages); n > 0 && h.messages[n-1].Role == "assistant" {
		h.messages[n-1].Interrupted = true
	}
}

// Prune drops the oldest messages until countTokens reports the history
// within budget, always keeping the [minRetained] most recent messages.
// Tool-result messages orphaned at the head by pruning are dropped with
// their turn, since a tool result without its originating assistant call
// confuses most models.
func (h *History) Prune(countTokens func([]types.Message) (int, error), budget int) error {
	if budget <= 0 {
		return nil
	}
	for len(h.messages) > minRetained {
		n, err := countTokens(h.messages)
		if err != nil {
			return err
		}
		if n <= budget {
			break
		}
		h.messages = h.messages[1:]
		// Do not leave a tool result at the head.
		for len(h.messages) > minRetained && h.messages[0].Role == "tool" {
			h.messages = h.messages[1:]
		}
	}
	return nil
}
