package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"projectbot-core/internal/domain/entity"
)

// MaxQueryRows caps how many rows a single read-only query may return.
const MaxQueryRows = 1000

var mutatingKeyword = regexp.MustCompile(`(?i)\b(drop|delete|update|insert|alter|truncate|create|replace|attach|detach|pragma|vacuum)\b`)

// SQLStore is the relational context source, backed by SQLite.
type SQLStore struct {
	name string
	db   *sql.DB
}

func NewSQLStore(name, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLStoreFromDB(name, db), nil
}

func NewSQLStoreFromDB(name string, db *sql.DB) *SQLStore {
	return &SQLStore{name: name, db: db}
}

func (s *SQLStore) Name() string { return s.name }

func (s *SQLStore) Close() error { return s.db.Close() }

// DescribeSchema lists user tables with their columns, primary keys and
// foreign-key relationships.
func (s *SQLStore) DescribeSchema(ctx context.Context) (*entity.Schema, error) {
	names, err := s.tableNames(ctx)
	if err != nil {
		return nil, entity.Unreachable("list tables", err)
	}

	schema := &entity.Schema{Tables: []entity.TableSchema{}, Relationships: []entity.Relationship{}}
	for _, name := range names {
		ts, err := s.describeTable(ctx, name)
		if err != nil {
			return nil, entity.Unreachable("describe "+name, err)
		}
		schema.Tables = append(schema.Tables, ts)

		rels, err := s.foreignKeys(ctx, name)
		if err != nil {
			return nil, entity.Unreachable("foreign keys of "+name, err)
		}
		schema.Relationships = append(schema.Relationships, rels...)
	}
	return schema, nil
}

func (s *SQLStore) tableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLStore) describeTable(ctx context.Context, table string) (entity.TableSchema, error) {
	ts := entity.TableSchema{Name: table, Columns: []entity.Column{}}
	rows, err := s.db.QueryContext(ctx, "SELECT name, type, \"notnull\", pk FROM pragma_table_info(?)", table)
	if err != nil {
		return ts, err
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			name, typ   string
			notNull, pk int
		)
		if err := rows.Scan(&name, &typ, &notNull, &pk); err != nil {
			return ts, err
		}
		ts.Columns = append(ts.Columns, entity.Column{Name: name, Type: typ, Nullable: notNull == 0})
		if pk > 0 {
			pks = append(pks, pkCol{name, pk})
		}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		ts.PrimaryKeys = append(ts.PrimaryKeys, p.name)
	}
	return ts, rows.Err()
}

func (s *SQLStore) foreignKeys(ctx context.Context, table string) ([]entity.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []entity.Relationship
	lastID := -1
	for rows.Next() {
		var (
			id           int
			to           string
			from, target sql.NullString
		)
		if err := rows.Scan(&id, &to, &from, &target); err != nil {
			return nil, err
		}
		if id != lastID {
			rels = append(rels, entity.Relationship{FromTable: table, ToTable: to})
			lastID = id
		}
		r := &rels[len(rels)-1]
		r.FromColumns = append(r.FromColumns, from.String)
		r.ToColumns = append(r.ToColumns, target.String)
	}
	return rels, rows.Err()
}

// CheckReadOnly rejects statements carrying data-modifying keywords or more
// than one statement. It is a keyword filter, not a SQL parser.
func CheckReadOnly(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimRight(q, "; \t\n"))
	if q == "" {
		return "", fmt.Errorf("%w: empty statement", entity.ErrUnsafeQuery)
	}
	if strings.Contains(q, ";") {
		return "", fmt.Errorf("%w: multiple statements", entity.ErrUnsafeQuery)
	}
	if kw := mutatingKeyword.FindString(q); kw != "" {
		return "", fmt.Errorf("%w: %s", entity.ErrUnsafeQuery, strings.ToUpper(kw))
	}
	return q, nil
}

func (s *SQLStore) RunReadOnlyQuery(ctx context.Context, query string, args ...any) (*entity.Rows, error) {
	q, err := CheckReadOnly(query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	out := &entity.Rows{Columns: cols, Records: []entity.Record{}}
	for rows.Next() {
		if len(out.Records) >= MaxQueryRows {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec := make(entity.Record, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
		}
		out.Records = append(out.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
