package memory

// Token estimation is a display/budget heuristic, not enforcement-grade
// accounting: roughly four characters per token.

const tokenCharRatio = 4

// perMessageOverhead covers role tags and separators added at render time.
const perMessageOverhead = 4

func estimateTextTokens(text string) int {
	runes := len([]rune(text))
	if runes == 0 {
		return 0
	}
	return (runes + tokenCharRatio - 1) / tokenCharRatio
}

func estimateMessagesTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTextTokens(m.Content) + perMessageOverhead
	}
	return total
}

// truncateToTokens trims text so its estimate fits within budget tokens,
// appending an ellipsis when anything was cut. A budget <= 0 drops the text.
func truncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(text)
	maxRunes := budget * tokenCharRatio
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}
