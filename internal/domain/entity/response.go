package entity

// Source records which path of the orchestrator produced a response.
type Source string

const (
	SourcePrimary           Source = "primary"
	SourcePrimaryWithSearch Source = "primary-with-search"
	SourceSecondary         Source = "secondary"
	SourceSecondaryRetry    Source = "secondary-retry"
	SourceStructuredQuery   Source = "structured-query"
	SourceDegraded          Source = "degraded"
	SourceError             Source = "error"
)

// Response is returned for every query, whatever path produced it.
// Error is non-empty exactly when Source is SourceError.
type Response struct {
	Text      string       `json:"response"`
	Source    Source       `json:"source"`
	Error     string       `json:"error,omitempty"`
	Provider  ProviderName `json:"provider,omitempty"`
	Partition string       `json:"partition,omitempty"`
	RequestID string       `json:"request_id"`
}

func (r *Response) Failed() bool {
	return r.Source == SourceError
}
