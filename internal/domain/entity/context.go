package entity

import "sort"

// Record is one row of a worksheet or table, keyed by column header.
type Record map[string]any

// ContextBlob is the domain data handed to a provider next to the prompt.
// Tables is keyed partition -> table/worksheet -> rows. Schema is set instead
// of row dumps when the data comes from a relational store.
type ContextBlob struct {
	Partition string                         `json:"partition,omitempty"`
	Tables    map[string]map[string][]Record `json:"tables,omitempty"`
	Schema    *Schema                        `json:"schema,omitempty"`
}

func (b *ContextBlob) Empty() bool {
	if b == nil {
		return true
	}
	return len(b.Tables) == 0 && (b.Schema == nil || len(b.Schema.Tables) == 0)
}

// Rows returns every row of the named table across all partitions, with
// partitions visited in sorted order.
func (b *ContextBlob) Rows(table string) []Record {
	if b == nil {
		return nil
	}
	names := make([]string, 0, len(b.Tables))
	for name := range b.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []Record
	for _, name := range names {
		out = append(out, b.Tables[name][table]...)
	}
	return out
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type TableSchema struct {
	Name        string   `json:"table_name"`
	Columns     []Column `json:"columns"`
	PrimaryKeys []string `json:"primary_keys,omitempty"`
}

type Relationship struct {
	FromTable   string   `json:"from_table"`
	FromColumns []string `json:"from_columns"`
	ToTable     string   `json:"to_table"`
	ToColumns   []string `json:"to_columns"`
}

type Schema struct {
	Tables        []TableSchema  `json:"tables"`
	Relationships []Relationship `json:"relationships"`
}

// Rows is the result of a read-only relational query.
type Rows struct {
	Columns []string `json:"columns"`
	Records []Record `json:"records"`
}
