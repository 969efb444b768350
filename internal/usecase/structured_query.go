package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"projectbot-core/internal/domain/entity"
	"projectbot-core/internal/domain/repository"
)

const (
	sqlGeneratorInstructions = "You are a SQL query generator. Generate only read-only SQL queries."
	sqlExplainerInstructions = "You are explaining SQL query results to a non-technical reader."
	defaultMaxTableRows      = 20
)

var (
	errEmptySQL = errors.New("provider returned no SQL")
	errNoRows   = errors.New("query returned no rows")
)

var (
	sqlFence        = regexp.MustCompile("(?s)```sql\\s*(.*?)\\s*```")
	genericFence    = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
	sqlIntroduction = regexp.MustCompile(`(?i)^(here'?s?( is)?|the)?\s*(a |the )?sql( query)?( would be)?:?`)
)

// StructuredQuerier answers data questions by letting a provider write SQL
// that runs against the relational store. The keyword denylist enforced by
// the store is a heuristic, not a safety guarantee.
type StructuredQuerier struct {
	store       repository.RelationalStore
	callTimeout time.Duration
	maxRows     int
	log         *zap.Logger
}

func NewStructuredQuerier(store repository.RelationalStore, callTimeout time.Duration, log *zap.Logger) *StructuredQuerier {
	if callTimeout <= 0 {
		callTimeout = 25 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StructuredQuerier{store: store, callTimeout: callTimeout, maxRows: defaultMaxTableRows, log: log}
}

// Answer returns explanation, SQL and a rendered table. Any error means
// the caller should fall back to the normal answer path.
func (s *StructuredQuerier) Answer(ctx context.Context, p repository.Provider, question string, schema *entity.Schema) (string, error) {
	if schema == nil {
		var err error
		if schema, err = s.store.DescribeSchema(ctx); err != nil {
			return "", fmt.Errorf("describing schema: %w", err)
		}
	}
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding schema: %w", err)
	}

	generated, err := s.invoke(ctx, p, entity.Invocation{
		Prompt: fmt.Sprintf("Based on the following request, generate a SQL query that is safe to execute:\n%q\n\n"+
			"Database schema: %s\n\n"+
			"Return ONLY the SQL query without any explanation or formatting, just the raw SQL statement.",
			question, schemaJSON),
		SystemText: sqlGeneratorInstructions,
	})
	if err != nil {
		return "", fmt.Errorf("generating SQL: %w", err)
	}

	query := ExtractSQL(generated)
	if query == "" {
		return "", errEmptySQL
	}

	rows, err := s.store.RunReadOnlyQuery(ctx, query)
	if err != nil {
		return "", fmt.Errorf("running generated SQL: %w", err)
	}
	if len(rows.Records) == 0 {
		return "", errNoRows
	}
	table := RenderMarkdownTable(rows, s.maxRows)

	explanation, err := s.invoke(ctx, p, entity.Invocation{
		Prompt: fmt.Sprintf("Explain the following SQL query and its results in plain language:\n\n"+
			"Query: %s\n\nResults:\n%s\n\n"+
			"Provide a concise summary that a non-technical person would understand.", query, table),
		SystemText: sqlExplainerInstructions,
	})
	if err != nil {
		return "", fmt.Errorf("explaining results: %w", err)
	}

	s.log.Info("structured query answered", zap.String("sql", query), zap.Int("rows", len(rows.Records)))
	return fmt.Sprintf("%s\n\n**SQL Query Used:**\n```sql\n%s\n```\n\n**Query Results:**\n%s",
		strings.TrimSpace(explanation), query, table), nil
}

func (s *StructuredQuerier) invoke(ctx context.Context, p repository.Provider, inv entity.Invocation) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return p.Invoke(callCtx, inv)
}

// ExtractSQL pulls a statement out of a model reply, preferring fenced
// ```sql blocks, then any fenced block, then the bare reply.
func ExtractSQL(reply string) string {
	if m := sqlFence.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := genericFence.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	cleaned := sqlIntroduction.ReplaceAllString(strings.TrimSpace(reply), "")
	return strings.TrimSpace(cleaned)
}

// RenderMarkdownTable renders at most maxRows rows with a footer when rows
// were cut.
func RenderMarkdownTable(rows *entity.Rows, maxRows int) string {
	if rows == nil || len(rows.Records) == 0 {
		return "*No results*"
	}
	if maxRows <= 0 {
		maxRows = defaultMaxTableRows
	}

	var b strings.Builder
	b.WriteString("|")
	for _, c := range rows.Columns {
		b.WriteString(" " + escapeCell(c) + " |")
	}
	b.WriteString("\n|")
	for range rows.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")

	shown := rows.Records
	if len(shown) > maxRows {
		shown = shown[:maxRows]
	}
	for _, rec := range shown {
		b.WriteString("|")
		for _, c := range rows.Columns {
			v := rec[c]
			cell := ""
			if v != nil {
				cell = fmt.Sprint(v)
			}
			b.WriteString(" " + escapeCell(cell) + " |")
		}
		b.WriteString("\n")
	}
	if len(rows.Records) > maxRows {
		fmt.Fprintf(&b, "\n*Showing %d of %d results*", maxRows, len(rows.Records))
	}
	return strings.TrimRight(b.String(), "\n")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
