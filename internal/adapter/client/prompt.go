package client

import (
	"encoding/json"
	"strings"

	"projectbot-core/internal/domain/entity"
)

const baseInstructions = `You are a helpful assistant that answers questions about project-management data as well as general knowledge questions.

When a question is about the project data, rely on the data provided and be precise and specific.
For general knowledge questions not covered by the data, answer from your own knowledge. Do not refuse just because the data does not mention the topic.

Always be concise, professional, and helpful.`

// SystemPrompt composes the instructions, any extra system text and the
// serialized context blob into one system message.
func SystemPrompt(inv entity.Invocation) string {
	var b strings.Builder
	b.WriteString(baseInstructions)
	if inv.SystemText != "" {
		b.WriteString("\n\n")
		b.WriteString(inv.SystemText)
	}
	if !inv.Context.Empty() {
		raw, err := json.Marshal(inv.Context)
		if err == nil {
			b.WriteString("\n\nHere is the current project data to reference when answering data questions:\n")
			b.Write(raw)
			b.WriteString("\n\nIf a question is unrelated to this data, still answer it from general knowledge.")
		}
	}
	return b.String()
}
