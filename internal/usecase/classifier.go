package usecase

import (
	"regexp"
	"strings"
)

// Scoring thresholds. They are tunables inherited from the first version of
// the chatbot, not measured optima.
const (
	StructuredQueryThreshold = 1.5
	LiveSearchThreshold      = 1.0

	structuralWeight        = 1.0
	structuredPatternWeight = 0.5
	searchIndicatorWeight   = 1.0
	searchPatternWeight     = 0.7
	dataFocusPenalty        = 1.0
)

var dataKeywords = []string{
	"project", "budget", "member", "status", "team", "expense", "cost", "spend",
	"deadline", "milestone", "timeline", "schedule", "task", "role", "manager",
	"owner", "assignee", "start date", "end date", "sheet", "table", "database", "record",
}

var structuralTerms = []string{
	"select", "query", "join", "where", "group by", "filter", "fetch", "retrieve",
	"show me data", "search for", "find all", "database", "table", "sql", "count",
	"over budget", "under budget", "greater than", "less than", "more than",
	"at least", "at most", "sort by", "order by", "average", "total",
}

var structuredPatterns = []string{
	"how many", "list all", "show me", "which", "what are", "who has",
	"find", "where can i find",
}

var searchIndicators = []string{
	"latest", "recent", "current", "news", "today", "yesterday",
	"this week", "this month", "this year", "update", "updated",
	"happened", "trending", "released", "announced", "launch", "launched",
	"breaking", "event", "events",
	"stock", "price", "prices", "market",
	"covid", "pandemic", "election", "weather",
	"now", "currently", "at the moment", "right now", "as of",
	"up to date", "up-to-date", "real time", "real-time",
	"live", "immediate", "instantly",
	"developments", "progress", "advancement", "innovation",
	"breakthrough", "revision", "changes",
	"report", "reports", "article", "study", "research",
	"publication", "findings", "discovery", "announcement",
	"define", "explain", "who is", "what is", "how to", "why do",
	"compare", "difference between", "pros and cons",
	"best practice", "tutorial", "guide", "statistics", "data on",
}

var searchPatterns = []string{
	"what is the latest", "how recent", "when did", "what happened",
	"tell me about", "is there any news", "what's new", "what are some recent",
	"what's happening", "what's going on", "any updates on",
	"current status of", "latest news about", "recent developments in",
	"what's the current", "how is", "what are the current trends",
	"latest information on", "recent updates about", "current state of",
	"what's the situation with", "any recent news about",
	"current events", "breaking news", "recent reports on",
}

var dataFocusPhrases = []string{
	"in the database", "in our data", "our data", "the database", "in the sheet",
}

var dashboardKeywords = []string{
	"dashboard", "chart", "graph", "visualize", "visualise", "visualization",
	"visualisation", "plot", "analytics", "kpi",
}

var dashboardNouns = []string{"budget", "project", "team", "member", "status", "expense", "timeline"}

var dashboardVerbs = []string{
	"breakdown", "break down", "distribution", "utilization", "utilisation",
	"overview", "trend", "comparison", "summary", "summarize", "analysis", "analyze",
}

// IsDataRelated reports whether the query mentions any project-data noun.
func IsDataRelated(query string) bool {
	return containsAny(strings.ToLower(query), dataKeywords)
}

// DetectPartition returns the first name from names that the query refers to
// positionally ("in X", "from the X sheet", "X projects"). When several names
// match, the earliest in names wins; that order carries no meaning.
func DetectPartition(query string, names []string) (string, bool) {
	q := strings.ToLower(query)
	for _, name := range names {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" {
			continue
		}
		if partitionPattern(n).MatchString(q) {
			return name, true
		}
	}
	return "", false
}

func partitionPattern(name string) *regexp.Regexp {
	n := regexp.QuoteMeta(name)
	return regexp.MustCompile(
		`\b(?:in|from)\s+(?:the\s+)?` + n + `\b` +
			`|\b` + n + `\s+(?:sheet|table|projects|data)\b`,
	)
}

// LooksLikeStructuredQuery scores SQL-ish vocabulary. False positives are
// expected; the structured path falls back to the normal answer on any error.
func LooksLikeStructuredQuery(query string) bool {
	q := strings.ToLower(query)
	score := structuralWeight*float64(countMatches(q, structuralTerms)) +
		structuredPatternWeight*float64(countMatches(q, structuredPatterns))
	return score >= StructuredQueryThreshold
}

// NeedsLiveSearch scores recency and time-sensitive vocabulary, discounting
// queries that point at the project's own data.
func NeedsLiveSearch(query string) bool {
	q := strings.ToLower(query)
	score := searchIndicatorWeight*float64(countMatches(q, searchIndicators)) +
		searchPatternWeight*float64(countMatches(q, searchPatterns))
	if containsAny(q, dataFocusPhrases) {
		score -= dataFocusPenalty
	}
	return score >= LiveSearchThreshold
}

// IsDashboardRequest matches visualization vocabulary, or a domain noun
// paired with an analysis verb such as "budget breakdown".
func IsDashboardRequest(query string) bool {
	q := strings.ToLower(query)
	if containsAny(q, dashboardKeywords) {
		return true
	}
	return containsAny(q, dashboardNouns) && containsAny(q, dashboardVerbs)
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func countMatches(s string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(s, t) {
			n++
		}
	}
	return n
}
