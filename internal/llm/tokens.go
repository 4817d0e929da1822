package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of text with the cl100k_base
// encoding, falling back to a bytes/4 heuristic if the encoder cannot be
// initialized (e.g. no network for the BPE download).
func CountTokens(text string) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	return len(encoder.Encode(text, nil, nil))
}

// TrimToTokenBudget drops whole leading lines until text fits budget.
// Later lines win because, within a coalesced batch, later messages carry
// the user's most recent intent.
func TrimToTokenBudget(text string, budget int) string {
	if budget <= 0 || CountTokens(text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[1:]
		candidate := strings.Join(lines, "\n")
		if CountTokens(candidate) <= budget {
			return candidate
		}
	}
	return lines[len(lines)-1]
}
