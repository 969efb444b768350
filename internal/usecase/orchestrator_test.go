package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"projectbot-core/internal/adapter/store"
	"projectbot-core/internal/domain/entity"
	"projectbot-core/internal/domain/repository"
)

const testRequestID = "req-1"

func newTestOrchestrator(primary, secondary repository.Provider, sleeper *recordingSleeper, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Second, Max: 20 * time.Second},
	}
	o := NewOrchestrator(primary, secondary, NewResilientProvider(policy, sleeper.Sleep, fixedRand(0), nil, nil), cfg, opts...)
	o.newID = func() string { return testRequestID }
	return o
}

func failures(n int, kind entity.ErrorKind, name entity.ProviderName) []providerResult {
	out := make([]providerResult, n)
	for i := range out {
		out[i] = failWith(kind, name)
	}
	return out
}

func tabularAggregator(src *countingSource) OrchestratorOption {
	return WithContextAggregator(NewContextAggregator(src, store.NewMemoryCache(), 0, nil))
}

func TestGetResponse_NonDataQueryDoesNotFetch(t *testing.T) {
	src := &countingSource{name: "tabular", partitions: []string{"Engineering"}, blob: projectsBlob}
	primary := newScriptedProvider(entity.ProviderGemini, reply("Why did the gopher cross the road?"))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{}, tabularAggregator(src))

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})

	assert.Equal(t, entity.SourcePrimary, resp.Source)
	assert.Empty(t, resp.Error)
	assert.Equal(t, testRequestID, resp.RequestID)
	assert.Zero(t, src.Fetches())
	assert.Zero(t, src.PartitionCalls())
	require.Len(t, primary.Calls(), 1)
	assert.Nil(t, primary.Calls()[0].Context)
}

func TestGetResponse_DataQueryUsesDetectedPartition(t *testing.T) {
	src := &countingSource{name: "tabular", partitions: []string{"Marketing", "Engineering"}, blob: projectsBlob}
	primary := newScriptedProvider(entity.ProviderGemini, reply("Apollo is active."), reply("Still active."))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{}, tabularAggregator(src))
	ctx := context.Background()

	resp := o.GetResponse(ctx, entity.Query{Text: "What is the status of Engineering projects?"})
	assert.Equal(t, entity.SourcePrimary, resp.Source)
	assert.Equal(t, "Engineering", resp.Partition)
	require.NotNil(t, primary.Calls()[0].Context)
	assert.Equal(t, "Engineering", primary.Calls()[0].Context.Partition)

	o.GetResponse(ctx, entity.Query{Text: "What is the status of Engineering projects?"})
	assert.Equal(t, 1, src.Fetches(), "second request served from cache")

	o.GetResponse(ctx, entity.Query{Text: "What is the status of Engineering projects?", BypassCache: true})
	assert.Equal(t, 2, src.Fetches())
}

func TestGetResponse_RateLimitedPrimaryFallsBackToSecondary(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d attempts", n), func(t *testing.T) {
			sleeper := &recordingSleeper{}
			primary := newScriptedProvider(entity.ProviderGemini, failures(n, entity.KindRateLimit, entity.ProviderGemini)...)
			secondary := newScriptedProvider(entity.ProviderOpenAI, reply("from secondary"))
			o := NewOrchestrator(primary, secondary,
				NewResilientProvider(RetryPolicy{MaxAttempts: n, Backoff: Backoff{Base: time.Second, Max: 20 * time.Second}}, sleeper.Sleep, fixedRand(0), nil, nil),
				OrchestratorConfig{})

			resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})

			assert.Equal(t, entity.SourceSecondary, resp.Source)
			assert.Equal(t, "from secondary", resp.Text)
			assert.Equal(t, entity.ProviderOpenAI, resp.Provider)
			assert.Len(t, primary.Calls(), n)
			assert.Equal(t, n, sleeper.Count())
		})
	}
}

func TestGetResponse_AllPathsFail(t *testing.T) {
	sleeper := &recordingSleeper{}
	primary := newScriptedProvider(entity.ProviderGemini, failures(3, entity.KindOther, entity.ProviderGemini)...)
	secondary := newScriptedProvider(entity.ProviderOpenAI, failures(4, entity.KindTimeout, entity.ProviderOpenAI)...)
	o := newTestOrchestrator(primary, secondary, sleeper, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{
		Text:    "Tell me a joke",
		History: []entity.Turn{{Role: entity.RoleUser, Text: "hi"}},
	})

	assert.Equal(t, entity.SourceError, resp.Source)
	assert.Equal(t, MsgDegraded, resp.Text)
	assert.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Error, "gemini")
	assert.Contains(t, resp.Error, "simplified openai")
	assert.NotContains(t, resp.Text, "timeout", "raw errors stay out of the user text")

	calls := secondary.Calls()
	require.Len(t, calls, 4)
	last := calls[3]
	assert.True(t, strings.HasPrefix(last.Prompt, simplifiedInstruction))
	assert.Empty(t, last.History)
	assert.Equal(t, 6, sleeper.Count())
}

func TestGetResponse_SimplifiedRetryOnSecondary(t *testing.T) {
	primary := newScriptedProvider(entity.ProviderGemini, failures(3, entity.KindOther, entity.ProviderGemini)...)
	secondary := newScriptedProvider(entity.ProviderOpenAI,
		append(failures(3, entity.KindOther, entity.ProviderOpenAI), reply("brief answer"))...)
	o := newTestOrchestrator(primary, secondary, &recordingSleeper{}, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})
	assert.Equal(t, entity.SourceSecondaryRetry, resp.Source)
	assert.Equal(t, "brief answer", resp.Text)
	assert.Empty(t, resp.Error)
}

func TestGetResponse_SimplifiedRetryWithoutSecondary(t *testing.T) {
	primary := newScriptedProvider(entity.ProviderGemini,
		append(failures(3, entity.KindOther, entity.ProviderGemini), reply("brief answer"))...)
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})
	assert.Equal(t, entity.SourceDegraded, resp.Source)
	assert.Equal(t, entity.ProviderGemini, resp.Provider)
}

func TestGetResponse_SecondaryAuthRetriesSimplifiedOnPrimary(t *testing.T) {
	primary := newScriptedProvider(entity.ProviderGemini,
		append(failures(3, entity.KindOther, entity.ProviderGemini), reply("brief answer"))...)
	secondary := newScriptedProvider(entity.ProviderOpenAI, failWith(entity.KindAuth, entity.ProviderOpenAI))
	o := newTestOrchestrator(primary, secondary, &recordingSleeper{}, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})
	assert.Equal(t, entity.SourceDegraded, resp.Source)
	assert.Len(t, secondary.Calls(), 1)
	assert.Len(t, primary.Calls(), 4)
}

func TestGetResponse_PrimaryAuthIsConfigurationError(t *testing.T) {
	sleeper := &recordingSleeper{}
	primary := newScriptedProvider(entity.ProviderGemini, failWith(entity.KindAuth, entity.ProviderGemini))
	secondary := newScriptedProvider(entity.ProviderOpenAI, reply("unused"))
	o := newTestOrchestrator(primary, secondary, sleeper, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})
	assert.Equal(t, entity.SourceError, resp.Source)
	assert.Equal(t, ConfigurationMessage(entity.ProviderGemini), resp.Text)
	assert.Contains(t, resp.Text, "GEMINI")
	assert.Empty(t, secondary.Calls())
	assert.Zero(t, sleeper.Count())
}

func TestGetResponse_StructuredQuery(t *testing.T) {
	src := &countingSource{
		name:       "projects",
		partitions: []string{"projects"},
		relational: true,
		blob: func(p string) *entity.ContextBlob {
			return &entity.ContextBlob{Partition: p, Schema: projectsSchema()}
		},
	}
	rel := &fakeRelational{
		schema: projectsSchema(),
		rows: &entity.Rows{
			Columns: []string{"name", "budget", "expenses"},
			Records: []entity.Record{{"name": "Apollo", "budget": 1000.0, "expenses": 1200.0}},
		},
	}
	primary := newScriptedProvider(entity.ProviderGemini,
		reply("```sql\nSELECT name, budget, expenses FROM projects WHERE expenses > budget\n```"),
		reply("One project, Apollo, is over budget."),
	)
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{},
		tabularAggregator(src),
		WithStructuredQuerier(NewStructuredQuerier(rel, 0, nil)),
	)

	resp := o.GetResponse(context.Background(), entity.Query{Text: "How many projects are over budget?"})

	assert.Equal(t, entity.SourceStructuredQuery, resp.Source)
	assert.Empty(t, resp.Error)
	assert.Contains(t, resp.Text, "One project, Apollo, is over budget.")
	assert.Contains(t, resp.Text, "**SQL Query Used:**")
	assert.Contains(t, resp.Text, "SELECT name, budget, expenses FROM projects WHERE expenses > budget")
	assert.Contains(t, resp.Text, "| Apollo | 1000 | 1200 |")
	assert.Equal(t, []string{"SELECT name, budget, expenses FROM projects WHERE expenses > budget"}, rel.queries)
}

func TestGetResponse_StructuredQueryFallsThrough(t *testing.T) {
	src := &countingSource{
		name:       "projects",
		relational: true,
		blob: func(p string) *entity.ContextBlob {
			return &entity.ContextBlob{Partition: p, Schema: projectsSchema()}
		},
	}
	rel := &fakeRelational{schema: projectsSchema()}
	primary := newScriptedProvider(entity.ProviderGemini, reply(""), reply("Two projects exist."))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{},
		tabularAggregator(src),
		WithStructuredQuerier(NewStructuredQuerier(rel, 0, nil)),
	)

	resp := o.GetResponse(context.Background(), entity.Query{Text: "How many projects are over budget?"})

	assert.Equal(t, entity.SourcePrimary, resp.Source)
	assert.Equal(t, "Two projects exist.", resp.Text)
	assert.Empty(t, rel.queries)
	calls := primary.Calls()
	require.Len(t, calls, 2)
	require.NotNil(t, calls[1].Context)
	assert.NotNil(t, calls[1].Context.Schema)
}

func TestGetResponse_LongHistoryIsTruncatedOnContextTooLarge(t *testing.T) {
	primary := newScriptedProvider(entity.ProviderGemini,
		failWith(entity.KindContextTooLarge, entity.ProviderGemini),
		reply("fits now"),
	)
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke", History: longHistory(200, 100)})

	assert.Equal(t, entity.SourcePrimary, resp.Source)
	assert.Equal(t, "fits now", resp.Text)
	calls := primary.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[0].History, entity.DefaultMaxHistoryTurns)
	assert.LessOrEqual(t, historyChars(calls[1].History), DefaultRetryPolicy().HistoryCharLimit)
	assert.NotEmpty(t, calls[1].History)
}

func TestGetResponse_UnreachableStore(t *testing.T) {
	src := &countingSource{name: "tabular", blob: projectsBlob, fetchErr: errors.New("dial tcp: connection refused")}
	primary := newScriptedProvider(entity.ProviderGemini, reply("unused"))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{}, tabularAggregator(src))

	resp := o.GetResponse(context.Background(), entity.Query{Text: "What is the budget of Apollo?", Partition: "Engineering"})

	assert.Equal(t, entity.SourceError, resp.Source)
	assert.Equal(t, MsgDataUnavailable, resp.Text)
	assert.Equal(t, "Engineering", resp.Partition)
	assert.NotContains(t, resp.Text, "connection refused")
	assert.Empty(t, primary.Calls())
}

func TestGetResponse_MalformedDataContinuesWithoutContext(t *testing.T) {
	src := &countingSource{name: "tabular", blob: projectsBlob, fetchErr: entity.Malformed("parse", errors.New("ragged rows"))}
	primary := newScriptedProvider(entity.ProviderGemini, reply("general answer"))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{}, tabularAggregator(src))

	resp := o.GetResponse(context.Background(), entity.Query{Text: "What is the budget of Apollo?"})

	assert.Equal(t, entity.SourcePrimary, resp.Source)
	require.Len(t, primary.Calls(), 1)
	assert.Nil(t, primary.Calls()[0].Context)
}

func TestGetResponse_DashboardSummary(t *testing.T) {
	src := &countingSource{name: "tabular", blob: projectsBlob}
	primary := newScriptedProvider(entity.ProviderGemini, reply("Here is your dashboard."))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{}, tabularAggregator(src))

	o.GetResponse(context.Background(), entity.Query{Text: "show a dashboard of project budgets"})

	require.Len(t, primary.Calls(), 1)
	system := primary.Calls()[0].SystemText
	assert.Contains(t, system, "Project dashboard summary:")
	assert.Contains(t, system, "- Total projects: 2")
	assert.Contains(t, system, "- Over budget (1): Apollo")
}

func TestGetResponse_SearchAugmented(t *testing.T) {
	search := NewSearchAugmenter(&fakeSearch{results: [][]entity.SearchResult{sampleResults}},
		store.NewMemoryCache(), store.NewMemoryMetrics(), SearchConfig{})
	primary := newScriptedProvider(entity.ProviderGemini, reply("Go 1.25 is out."))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{SearchEnabled: true},
		WithSearchAugmenter(search))

	resp := o.GetResponse(context.Background(), entity.Query{Text: "What is the latest news about Go releases?"})

	assert.Equal(t, entity.SourcePrimaryWithSearch, resp.Source)
	require.Len(t, primary.Calls(), 1)
	assert.Contains(t, primary.Calls()[0].SystemText, "[Source 1: Go 1.25 released (https://go.dev/blog/go1.25)]")
}

func TestGetResponse_SearchDisabledOrEmpty(t *testing.T) {
	search := NewSearchAugmenter(&fakeSearch{}, store.NewMemoryCache(), store.NewMemoryMetrics(), SearchConfig{})

	t.Run("empty results", func(t *testing.T) {
		primary := newScriptedProvider(entity.ProviderGemini, reply("From memory."))
		o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{SearchEnabled: true},
			WithSearchAugmenter(search))
		resp := o.GetResponse(context.Background(), entity.Query{Text: "What is the latest news about Go releases?"})
		assert.Equal(t, entity.SourcePrimary, resp.Source)
		assert.Empty(t, primary.Calls()[0].SystemText)
	})

	t.Run("disabled by config", func(t *testing.T) {
		fake := &fakeSearch{results: [][]entity.SearchResult{sampleResults}}
		primary := newScriptedProvider(entity.ProviderGemini, reply("From memory."))
		o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{},
			WithSearchAugmenter(NewSearchAugmenter(fake, store.NewMemoryCache(), nil, SearchConfig{})))
		resp := o.GetResponse(context.Background(), entity.Query{Text: "What is the latest news about Go releases?"})
		assert.Equal(t, entity.SourcePrimary, resp.Source)
		assert.Zero(t, fake.Calls())
	})
}

func TestGetResponse_ProviderPreference(t *testing.T) {
	primary := newScriptedProvider(entity.ProviderGemini, reply("gemini says"))
	secondary := newScriptedProvider(entity.ProviderOpenAI, reply("openai says"))
	o := newTestOrchestrator(primary, secondary, &recordingSleeper{}, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke", Provider: entity.ProviderOpenAI})
	assert.Equal(t, entity.SourcePrimary, resp.Source)
	assert.Equal(t, entity.ProviderOpenAI, resp.Provider)
	assert.Equal(t, "openai says", resp.Text)
	assert.Empty(t, primary.Calls())
}

func TestGetResponse_Cancelled(t *testing.T) {
	primary := newScriptedProvider(entity.ProviderGemini, reply("unused"))
	secondary := newScriptedProvider(entity.ProviderOpenAI, reply("unused"))
	o := newTestOrchestrator(primary, secondary, &recordingSleeper{}, OrchestratorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := o.GetResponse(ctx, entity.Query{Text: "Tell me a joke"})
	assert.Equal(t, entity.SourceError, resp.Source)
	assert.Equal(t, MsgCancelled, resp.Text)
	assert.Empty(t, secondary.Calls())
}

func TestGetResponse_EmptyQuery(t *testing.T) {
	primary := newScriptedProvider(entity.ProviderGemini, reply("unused"))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "   "})
	assert.Equal(t, entity.SourceError, resp.Source)
	assert.Equal(t, MsgInvalidQuery, resp.Text)
	assert.Equal(t, testRequestID, resp.RequestID)
	assert.Empty(t, primary.Calls())
}

type panickingProvider struct{}

func (panickingProvider) Name() entity.ProviderName { return entity.ProviderGemini }

func (panickingProvider) Invoke(context.Context, entity.Invocation) (string, error) {
	panic("boom")
}

func TestGetResponse_RecoversFromPanic(t *testing.T) {
	o := newTestOrchestrator(panickingProvider{}, nil, &recordingSleeper{}, OrchestratorConfig{})

	resp := o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})
	assert.Equal(t, entity.SourceError, resp.Source)
	assert.Equal(t, MsgDegraded, resp.Text)
	assert.Contains(t, resp.Error, "boom")
	assert.Equal(t, testRequestID, resp.RequestID)
}

func TestGetResponse_LogsAndMetrics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	reg := prometheus.NewRegistry()
	tel := NewTelemetry(reg)
	primary := newScriptedProvider(entity.ProviderGemini, reply("hello"))
	o := newTestOrchestrator(primary, nil, &recordingSleeper{}, OrchestratorConfig{},
		WithOrchestratorLogger(zap.New(core)),
		WithOrchestratorTelemetry(tel),
	)

	o.GetResponse(context.Background(), entity.Query{Text: "Tell me a joke"})

	entries := logs.FilterMessage("response ready").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, testRequestID, fields["request_id"])
	assert.Equal(t, string(entity.SourcePrimary), fields["source"])
	assert.InDelta(t, 1, testutil.ToFloat64(tel.responses.WithLabelValues(string(entity.SourcePrimary))), 0)
}

func TestOrchestratorAdmin(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(newScriptedProvider(entity.ProviderGemini), nil, &recordingSleeper{}, OrchestratorConfig{})

	assert.NoError(t, o.ClearContextCache(ctx, ""))
	assert.NoError(t, o.ClearSearchCache(ctx))
	_, err := o.SearchMetrics(ctx, "")
	assert.ErrorIs(t, err, entity.ErrSearchDisabled)

	src := &countingSource{name: "tabular", blob: projectsBlob}
	o = newTestOrchestrator(newScriptedProvider(entity.ProviderGemini, reply("a"), reply("b")), nil,
		&recordingSleeper{}, OrchestratorConfig{}, tabularAggregator(src))
	o.GetResponse(ctx, entity.Query{Text: "list project members"})
	require.NoError(t, o.ClearContextCache(ctx, ""))
	o.GetResponse(ctx, entity.Query{Text: "list project members"})
	assert.Equal(t, 2, src.Fetches())
}
