package pipeline

import (
	"fmt"
	"strings"

	"github.com/dharmen1901/Reetape-LLAMA-11Labs/internal/history"
)

// ComposePrompt builds the generation prompt for utterance. A context block
// of prior turns is included only when there is more than one prior message,
// so a first turn is never primed with an empty transcript.
func ComposePrompt(prior []history.Message, utterance, instruction string) string {
	query := fmt.Sprintf("%s: %s", strings.TrimSpace(instruction), strings.TrimSpace(utterance))
	if len(prior) <= 1 {
		return query
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	sb.WriteString(history.FormatForPrompt(prior))
	sb.WriteString("\n\n")
	sb.WriteString(query)
	return sb.String()
}
