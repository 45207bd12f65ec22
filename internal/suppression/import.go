package suppression

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

// ImportRow is one line of a suppression import.
type ImportRow struct {
	Line           int
	Email          string
	Scope          domain.SuppressionScope
	EventID        string
	OrganizationID string
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Total    int      `json:"total"`
	Created  int      `json:"created"`
	Existing int      `json:"existing"`
	Invalid  int      `json:"invalid"`
	Errors   []string `json:"errors,omitempty"`
}

const maxImportErrors = 50

// ParseCSV reads rows of email[,scope[,event_id[,organization_id]]]. A header
// row starting with "email" is skipped. A missing scope means global.
func ParseCSV(r io.Reader) ([]ImportRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows []ImportRow
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line, err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "email") {
			continue
		}

		row := ImportRow{Line: line, Email: rec[0], Scope: domain.ScopeGlobal}
		if len(rec) > 1 && strings.TrimSpace(rec[1]) != "" {
			row.Scope = domain.SuppressionScope(strings.ToLower(strings.TrimSpace(rec[1])))
		}
		if len(rec) > 2 {
			row.EventID = strings.TrimSpace(rec[2])
		}
		if len(rec) > 3 {
			row.OrganizationID = strings.TrimSpace(rec[3])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Import runs every row through CreateOrFind. Invalid rows are counted and
// reported; they never stop the import. Storage errors do.
func (r *Resolver) Import(ctx context.Context, rows []ImportRow, source domain.SuppressionSource) (*ImportResult, error) {
	result := &ImportResult{Total: len(rows)}

	for _, row := range rows {
		_, created, err := r.CreateOrFind(ctx, row.Email, row.Scope, row.EventID, row.OrganizationID, source)
		switch {
		case err == nil && created:
			result.Created++
		case err == nil:
			result.Existing++
		case domain.IsValidation(err):
			result.Invalid++
			if len(result.Errors) < maxImportErrors {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", row.Line, err))
			}
		default:
			return result, fmt.Errorf("importing line %d: %w", row.Line, err)
		}
	}

	r.logger.Info("suppression import finished",
		"total", result.Total,
		"created", result.Created,
		"existing", result.Existing,
		"invalid", result.Invalid,
	)
	return result, nil
}
