package entity

import "strings"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a prior conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"content"`
}

type ProviderName string

const (
	ProviderGemini ProviderName = "gemini"
	ProviderOpenAI ProviderName = "openai"
)

// DefaultMaxHistoryTurns bounds the history accepted with a single query.
const DefaultMaxHistoryTurns = 50

type Query struct {
	Text        string       `json:"prompt"`
	Partition   string       `json:"partition,omitempty"`
	Provider    ProviderName `json:"provider,omitempty"`
	BypassCache bool         `json:"refresh_data,omitempty"`
	History     []Turn       `json:"history,omitempty"`
}

// Normalize trims the text and keeps only the most recent maxTurns turns.
func (q Query) Normalize(maxTurns int) Query {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxHistoryTurns
	}
	q.Text = strings.TrimSpace(q.Text)
	q.Partition = strings.TrimSpace(q.Partition)
	if len(q.History) > maxTurns {
		q.History = q.History[len(q.History)-maxTurns:]
	}
	return q
}

// TruncateHistory keeps the most recent turns whose combined text length
// stays within maxChars. The newest turn that would overflow the bound and
// everything older than it are dropped.
func TruncateHistory(history []Turn, maxChars int) []Turn {
	if maxChars <= 0 || len(history) == 0 {
		return nil
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := len(history[i].Text)
		if total+n > maxChars {
			break
		}
		total += n
		start = i
	}
	out := make([]Turn, len(history)-start)
	copy(out, history[start:])
	return out
}

// Invocation is everything a provider needs to produce one answer.
type Invocation struct {
	Prompt     string
	Context    *ContextBlob
	History    []Turn
	SystemText string
}
