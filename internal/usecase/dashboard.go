package usecase

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"projectbot-core/internal/domain/entity"
)

// BudgetLine is one project's spend against its budget.
type BudgetLine struct {
	Project     string
	Budget      float64
	Expenses    float64
	Utilization float64
}

func (b BudgetLine) Over() bool { return b.Expenses > b.Budget }

// Dashboard is an overview computed from the projects and members tables.
type Dashboard struct {
	Projects      int
	ByStatus      map[string]int
	Budgets       []BudgetLine
	TotalBudget   float64
	TotalExpenses float64
	Roles         map[string]int
}

func (d *Dashboard) Utilization() float64 {
	if d.TotalBudget == 0 {
		return 0
	}
	return round2(d.TotalExpenses / d.TotalBudget * 100)
}

// Summarize builds a dashboard from a tabular blob. It returns nil when
// the blob carries no projects table.
func Summarize(blob *entity.ContextBlob) *Dashboard {
	if blob == nil || blob.Empty() {
		return nil
	}
	projects := collectRows(blob, "projects")
	if len(projects) == 0 {
		return nil
	}

	d := &Dashboard{Projects: len(projects), ByStatus: map[string]int{}, Roles: map[string]int{}}
	for _, p := range projects {
		status := field(p, "status")
		if status == "" {
			status = "unknown"
		}
		d.ByStatus[status]++

		line := BudgetLine{
			Project:  firstField(p, "name", "project_name", "project"),
			Budget:   number(field(p, "budget")),
			Expenses: number(field(p, "expenses")),
		}
		if line.Budget > 0 {
			line.Utilization = round2(line.Expenses / line.Budget * 100)
		}
		d.TotalBudget += line.Budget
		d.TotalExpenses += line.Expenses
		d.Budgets = append(d.Budgets, line)
	}

	for _, m := range collectRows(blob, "members") {
		role := field(m, "role")
		if role == "" {
			role = "Unknown"
		}
		d.Roles[role]++
	}
	return d
}

// Render formats the dashboard as plain text for a provider's system text.
func (d *Dashboard) Render() string {
	var b strings.Builder
	b.WriteString("Project dashboard summary:\n")
	fmt.Fprintf(&b, "- Total projects: %d\n", d.Projects)

	b.WriteString("- Projects by status:")
	for _, s := range sortedKeys(d.ByStatus) {
		fmt.Fprintf(&b, " %s=%d", s, d.ByStatus[s])
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "- Budget: total %.2f, spent %.2f, remaining %.2f, utilization %.2f%%\n",
		d.TotalBudget, d.TotalExpenses, d.TotalBudget-d.TotalExpenses, d.Utilization())

	var over, under []string
	for _, l := range d.Budgets {
		entry := fmt.Sprintf("%s (%.2f%%)", l.Project, l.Utilization)
		if l.Over() {
			over = append(over, entry)
		} else {
			under = append(under, entry)
		}
	}
	fmt.Fprintf(&b, "- Over budget (%d): %s\n", len(over), joinOrNone(over))
	fmt.Fprintf(&b, "- Within budget (%d): %s\n", len(under), joinOrNone(under))

	if len(d.Roles) > 0 {
		b.WriteString("- Team roles:")
		for _, r := range sortedKeys(d.Roles) {
			fmt.Fprintf(&b, " %s=%d", r, d.Roles[r])
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// collectRows gathers rows of every table whose name matches, across
// partitions, ignoring case.
func collectRows(blob *entity.ContextBlob, table string) []entity.Record {
	var out []entity.Record
	names := make([]string, 0, len(blob.Tables))
	for p := range blob.Tables {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		for name, rows := range blob.Tables[p] {
			if strings.EqualFold(strings.TrimSpace(name), table) {
				out = append(out, rows...)
			}
		}
	}
	return out
}

func field(r entity.Record, key string) string {
	for k, v := range r {
		if strings.EqualFold(strings.TrimSpace(k), key) && v != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return ""
}

func firstField(r entity.Record, keys ...string) string {
	for _, k := range keys {
		if v := field(r, k); v != "" {
			return v
		}
	}
	return "unnamed"
}

// number parses spreadsheet-formatted amounts such as "$12,500.00".
func number(s string) float64 {
	s = strings.NewReplacer("$", "", ",", "", "%", "", " ", "").Replace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
