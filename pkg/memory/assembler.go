package memory

import (
	"strings"

	"github.com/amielsp/recollect/pkg/providers"
)

// PromptInput carries the pre-formatted memory blocks for one turn.
type PromptInput struct {
	SystemPrompt string
	LongTerm     string // episodic/semantic block
	MediumTerm   string // project scratchpad block
	ShortTerm    string // rolling summary + recent transcript
	UserMessage  string
}

const contextAck = "Got it. I have the full picture, go ahead."

// Assembler builds the provider message sequence for a turn. All memory tiers
// go into a single synthetic context exchange between the system prompt and
// the live user message, so the provider sees exactly one injection point.
type Assembler struct {
	cfg Config
}

func NewAssembler(cfg Config) *Assembler {
	return &Assembler{cfg: cfg.withDefaults()}
}

// BuildMessages returns: system framing, one context block (long-term first,
// then medium-term, then short-term), an assistant acknowledgement, and the
// user message last. When the context block overflows the token budget the
// long-term section is trimmed first, then medium-term; the short-term block
// is never cut.
func (a *Assembler) BuildMessages(in PromptInput) []providers.Message {
	longTerm, mediumTerm := a.fitBudget(in.LongTerm, in.MediumTerm, in.ShortTerm)

	msgs := make([]providers.Message, 0, 4)
	if strings.TrimSpace(in.SystemPrompt) != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: in.SystemPrompt})
	}

	if block := joinBlocks(longTerm, mediumTerm, in.ShortTerm); block != "" {
		msgs = append(msgs,
			providers.Message{Role: providers.RoleUser, Content: "# Background Context\n\n" + block},
			providers.Message{Role: providers.RoleAssistant, Content: contextAck},
		)
	}

	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: in.UserMessage})
	return msgs
}

func (a *Assembler) fitBudget(longTerm, mediumTerm, shortTerm string) (string, string) {
	budget := a.cfg.ContextTokenBudget
	total := estimateTextTokens(longTerm) + estimateTextTokens(mediumTerm) + estimateTextTokens(shortTerm)
	if total <= budget {
		return longTerm, mediumTerm
	}

	over := total - budget
	ltTokens := estimateTextTokens(longTerm)
	cut := min(over, ltTokens)
	longTerm = truncateToTokens(longTerm, ltTokens-cut)
	over -= cut

	if over > 0 {
		mtTokens := estimateTextTokens(mediumTerm)
		cut = min(over, mtTokens)
		mediumTerm = truncateToTokens(mediumTerm, mtTokens-cut)
	}
	return longTerm, mediumTerm
}

func joinBlocks(blocks ...string) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if s := strings.TrimSpace(b); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
