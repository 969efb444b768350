package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"projectbot-core/internal/domain/entity"
	"projectbot-core/internal/domain/repository"
)

// User-facing texts for failure paths. Raw error text never goes here.
const (
	MsgInvalidQuery    = "Please enter a question."
	MsgDataUnavailable = "I'm having trouble accessing the project data right now. Please try again in a few minutes."
	MsgDegraded        = "I'm sorry, I couldn't generate a response right now. Please try again in a moment."
	MsgCancelled       = "The request was cancelled before an answer was ready."
	MsgNoProvider      = "No language model provider is configured."
)

const simplifiedInstruction = "Please answer the following question concisely: "

// ConfigurationMessage is returned when a provider rejects its credentials.
func ConfigurationMessage(p entity.ProviderName) string {
	return fmt.Sprintf("There's an issue with the %s API configuration. Please check your API key settings.",
		strings.ToUpper(string(p)))
}

type OrchestratorConfig struct {
	SearchEnabled    bool
	MaxSearchResults int
	MaxHistoryTurns  int
}

type Orchestrator struct {
	primary    repository.Provider
	secondary  repository.Provider
	resilient  *ResilientProvider
	aggregator *ContextAggregator
	search     *SearchAugmenter
	structured *StructuredQuerier
	cfg        OrchestratorConfig
	log        *zap.Logger
	telemetry  *Telemetry
	newID      func() string
}

type OrchestratorOption func(*Orchestrator)

// WithContextAggregator enables data context. Without it every query is
// answered context-less.
func WithContextAggregator(a *ContextAggregator) OrchestratorOption {
	return func(o *Orchestrator) { o.aggregator = a }
}

func WithSearchAugmenter(s *SearchAugmenter) OrchestratorOption {
	return func(o *Orchestrator) { o.search = s }
}

// WithStructuredQuerier enables the SQL path. It is only taken when the
// aggregator is backed by a relational source.
func WithStructuredQuerier(s *StructuredQuerier) OrchestratorOption {
	return func(o *Orchestrator) { o.structured = s }
}

func WithOrchestratorLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

func WithOrchestratorTelemetry(t *Telemetry) OrchestratorOption {
	return func(o *Orchestrator) { o.telemetry = t }
}

// NewOrchestrator wires the answering path. secondary may be nil.
func NewOrchestrator(primary, secondary repository.Provider, resilient *ResilientProvider, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 3
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = entity.DefaultMaxHistoryTurns
	}
	o := &Orchestrator{
		primary:   primary,
		secondary: secondary,
		resilient: resilient,
		cfg:       cfg,
		log:       zap.NewNop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resilient == nil {
		o.resilient = NewResilientProvider(DefaultRetryPolicy(), nil, nil, o.log, o.telemetry)
	}
	return o
}

// GetResponse answers q. It never returns an error: every failure resolves
// to a populated response whose Source names the path taken.
func (o *Orchestrator) GetResponse(ctx context.Context, q entity.Query) (resp *entity.Response) {
	q = q.Normalize(o.cfg.MaxHistoryTurns)
	reqID := o.newID()
	log := o.log.With(zap.String("request_id", reqID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while answering", zap.Any("panic", r))
			resp = failure(MsgDegraded, fmt.Errorf("panic: %v", r))
		}
		resp.RequestID = reqID
		if resp.Partition == "" {
			resp.Partition = q.Partition
		}
		o.telemetry.response(string(resp.Source))
		log.Info("response ready",
			zap.String("source", string(resp.Source)),
			zap.String("provider", string(resp.Provider)),
			zap.String("partition", resp.Partition),
		)
	}()

	return o.answer(ctx, q, log)
}

func (o *Orchestrator) answer(ctx context.Context, q entity.Query, log *zap.Logger) *entity.Response {
	if q.Text == "" {
		return failure(MsgInvalidQuery, entity.ErrInvalidRequest)
	}
	primary, secondary := o.providers(q.Provider, log)
	if primary == nil {
		return failure(MsgNoProvider, errors.New("no provider configured"))
	}

	blob, partition, err := o.gatherContext(ctx, q, log)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if entity.IsUnreachable(err) {
			log.Error("data store unreachable for data question", zap.Error(err))
			resp := failure(MsgDataUnavailable, err)
			resp.Partition = partition
			return resp
		}
		log.Warn("continuing without context", zap.Error(err))
		blob = nil
	}

	if text, ok := o.tryStructured(ctx, primary, q, blob, log); ok {
		return &entity.Response{Text: text, Source: entity.SourceStructuredQuery, Provider: primary.Name(), Partition: partition}
	}
	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	var system []string
	if blob != nil && blob.Schema == nil && IsDashboardRequest(q.Text) {
		if d := Summarize(blob); d != nil {
			system = append(system, d.Render())
		}
	}
	searched := false
	if o.search != nil && o.cfg.SearchEnabled && NeedsLiveSearch(q.Text) {
		if results := o.search.Search(ctx, q.Text, o.cfg.MaxSearchResults, !q.BypassCache); len(results) > 0 {
			system = append(system, BuildSearchContext(results))
			searched = true
		}
	}

	inv := entity.Invocation{
		Prompt:     q.Text,
		Context:    blob,
		History:    q.History,
		SystemText: strings.Join(system, "\n\n"),
	}
	ok := func(text string, source entity.Source, p repository.Provider) *entity.Response {
		return &entity.Response{Text: text, Source: source, Provider: p.Name(), Partition: partition}
	}

	text, err := o.resilient.Execute(ctx, primary, inv, log)
	if err == nil {
		if searched {
			return ok(text, entity.SourcePrimaryWithSearch, primary)
		}
		return ok(text, entity.SourcePrimary, primary)
	}
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	if entity.KindOf(err) == entity.KindAuth {
		log.Error("provider rejected credentials", zap.String("provider", string(primary.Name())), zap.Error(err))
		return failure(ConfigurationMessage(primary.Name()), err)
	}
	reasons := []string{fmt.Sprintf("%s: %v", primary.Name(), err)}

	secondaryAuth := false
	if secondary != nil {
		log.Warn("falling back to secondary provider",
			zap.String("from", string(primary.Name())),
			zap.String("to", string(secondary.Name())),
		)
		text, err := o.resilient.Execute(ctx, secondary, inv, log)
		if err == nil {
			return ok(text, entity.SourceSecondary, secondary)
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		secondaryAuth = entity.KindOf(err) == entity.KindAuth
		reasons = append(reasons, fmt.Sprintf("%s: %v", secondary.Name(), err))
	} else {
		reasons = append(reasons, entity.ErrNoSecondary.Error())
	}

	toSecondary := secondary != nil && !secondaryAuth
	target := primary
	if toSecondary {
		target = secondary
	}
	simplified := entity.Invocation{Prompt: simplifiedInstruction + q.Text, Context: blob}
	log.Warn("retrying with simplified prompt", zap.String("provider", string(target.Name())))
	text, err = o.resilient.Once(ctx, target, simplified, 0, log)
	if err == nil {
		if toSecondary {
			return ok(text, entity.SourceSecondaryRetry, target)
		}
		return ok(text, entity.SourceDegraded, target)
	}
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	reasons = append(reasons, fmt.Sprintf("simplified %s: %v", target.Name(), err))

	log.Error("all providers failed", zap.Strings("reasons", reasons))
	resp := failure(MsgDegraded, errors.New(strings.Join(reasons, "; ")))
	resp.Partition = partition
	return resp
}

// providers returns the pair in preference order.
func (o *Orchestrator) providers(pref entity.ProviderName, log *zap.Logger) (repository.Provider, repository.Provider) {
	primary, secondary := o.primary, o.secondary
	if pref == "" || primary == nil || primary.Name() == pref {
		return primary, secondary
	}
	if secondary != nil && secondary.Name() == pref {
		return secondary, primary
	}
	log.Warn("requested provider not configured, using default", zap.String("requested", string(pref)))
	return primary, secondary
}

// gatherContext fetches context only for data questions. The returned
// partition is the hint or the one detected from the text.
func (o *Orchestrator) gatherContext(ctx context.Context, q entity.Query, log *zap.Logger) (*entity.ContextBlob, string, error) {
	partition := q.Partition
	if o.aggregator == nil || !IsDataRelated(q.Text) {
		return nil, partition, nil
	}

	if partition == "" {
		names, err := o.aggregator.Partitions(ctx)
		if err != nil {
			return nil, "", err
		}
		if name, found := DetectPartition(q.Text, names); found {
			log.Info("partition detected", zap.String("partition", name))
			partition = name
		}
	}

	blob, err := o.aggregator.Fetch(ctx, partition, !q.BypassCache)
	if err != nil {
		return nil, partition, err
	}
	return blob, partition, nil
}

func (o *Orchestrator) tryStructured(ctx context.Context, p repository.Provider, q entity.Query, blob *entity.ContextBlob, log *zap.Logger) (string, bool) {
	if o.structured == nil || o.aggregator == nil || !o.aggregator.Relational() || !LooksLikeStructuredQuery(q.Text) {
		return "", false
	}
	var schema *entity.Schema
	if blob != nil {
		schema = blob.Schema
	}
	text, err := o.structured.Answer(ctx, p, q.Text, schema)
	if err != nil {
		log.Warn("structured query failed, using normal path", zap.Error(err))
		return "", false
	}
	return text, true
}

// ClearContextCache drops cached context for one partition, or all when
// partition is empty.
func (o *Orchestrator) ClearContextCache(ctx context.Context, partition string) error {
	if o.aggregator == nil {
		return nil
	}
	if err := o.aggregator.Clear(ctx, partition); err != nil {
		return fmt.Errorf("clearing context cache: %w", err)
	}
	o.log.Info("context cache cleared", zap.String("partition", partition))
	return nil
}

func (o *Orchestrator) ClearSearchCache(ctx context.Context) error {
	if o.search == nil {
		return nil
	}
	if err := o.search.ClearCache(ctx); err != nil {
		return fmt.Errorf("clearing search cache: %w", err)
	}
	o.log.Info("search cache cleared")
	return nil
}

// SearchMetrics returns derived search metrics for date (YYYYMMDD, empty
// for today).
func (o *Orchestrator) SearchMetrics(ctx context.Context, date string) (entity.SearchMetrics, error) {
	if o.search == nil {
		return entity.SearchMetrics{}, entity.ErrSearchDisabled
	}
	return o.search.Metrics(ctx, date)
}

func failure(text string, err error) *entity.Response {
	return &entity.Response{Text: text, Source: entity.SourceError, Error: err.Error()}
}

func cancelled(ctx context.Context) *entity.Response {
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	return failure(MsgCancelled, err)
}
