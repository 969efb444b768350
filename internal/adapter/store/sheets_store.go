package store

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"projectbot-core/internal/domain/entity"
)

// SourceSheetKey annotates each record with the worksheet it came from.
const SourceSheetKey = "_source_sheet"

// SheetPartition maps a partition name to the spreadsheet backing it.
type SheetPartition struct {
	Name          string
	SpreadsheetID string
}

// SheetsStore reads worksheets from Google Sheets. Each partition is one
// spreadsheet and each worksheet becomes a table.
type SheetsStore struct {
	svc        *sheets.Service
	partitions []SheetPartition
	byName     map[string]string
}

func NewSheetsStore(ctx context.Context, partitions []SheetPartition, opts ...option.ClientOption) (*SheetsStore, error) {
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	s := &SheetsStore{svc: svc, partitions: partitions, byName: make(map[string]string, len(partitions))}
	for _, p := range partitions {
		s.byName[p.Name] = p.SpreadsheetID
	}
	return s, nil
}

// ListPartitions returns partition names in configuration order.
func (s *SheetsStore) ListPartitions(context.Context) ([]string, error) {
	names := make([]string, len(s.partitions))
	for i, p := range s.partitions {
		names[i] = p.Name
	}
	return names, nil
}

func (s *SheetsStore) FetchPartition(ctx context.Context, name string) (map[string][]entity.Record, error) {
	id, ok := s.byName[name]
	if !ok {
		return nil, entity.Malformed("fetch partition", fmt.Errorf("%w: %s", entity.ErrUnknownPartition, name))
	}

	meta, err := s.svc.Spreadsheets.Get(id).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, entity.Unreachable("get spreadsheet "+name, err)
	}
	titles := make([]string, 0, len(meta.Sheets))
	ranges := make([]string, 0, len(meta.Sheets))
	for _, sh := range meta.Sheets {
		if sh.Properties == nil {
			continue
		}
		titles = append(titles, sh.Properties.Title)
		ranges = append(ranges, quoteSheet(sh.Properties.Title))
	}
	tables := make(map[string][]entity.Record, len(titles))
	if len(ranges) == 0 {
		return tables, nil
	}

	res, err := s.svc.Spreadsheets.Values.BatchGet(id).Ranges(ranges...).Context(ctx).Do()
	if err != nil {
		return nil, entity.Unreachable("read worksheets of "+name, err)
	}
	if len(res.ValueRanges) != len(titles) {
		return nil, entity.Malformed("read worksheets of "+name,
			fmt.Errorf("asked for %d ranges, got %d", len(titles), len(res.ValueRanges)))
	}
	for i, vr := range res.ValueRanges {
		tables[titles[i]] = recordsFromValues(titles[i], vr.Values)
	}
	return tables, nil
}

// recordsFromValues uses the first row as headers. Short rows are padded
// with empty strings and blank rows are skipped.
func recordsFromValues(sheet string, values [][]interface{}) []entity.Record {
	if len(values) == 0 {
		return []entity.Record{}
	}
	headers := make([]string, len(values[0]))
	for i, h := range values[0] {
		headers[i] = strings.TrimSpace(fmt.Sprint(h))
	}

	records := make([]entity.Record, 0, len(values)-1)
	for _, row := range values[1:] {
		if blank(row) {
			continue
		}
		rec := make(entity.Record, len(headers)+1)
		for i, h := range headers {
			if h == "" {
				continue
			}
			var v any = ""
			if i < len(row) {
				v = row[i]
			}
			rec[h] = v
		}
		rec[SourceSheetKey] = sheet
		records = append(records, rec)
	}
	return records
}

func blank(row []interface{}) bool {
	for _, v := range row {
		if strings.TrimSpace(fmt.Sprint(v)) != "" {
			return false
		}
	}
	return true
}

func quoteSheet(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}
