// Package csvparser turns an uploaded recipient CSV into schedule requests
// for a campaign.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mailsched/internal/models"
	"mailsched/internal/scheduler"
)

// Defaults apply to every row in the file.
type Defaults struct {
	TenantID   string
	Template   models.TemplateType
	Subject    string
	Priority   models.Priority
	CampaignID string
}

// Parse reads a CSV whose first column is the recipient address, with an
// optional scheduled_at column (RFC 3339). Every remaining header becomes a
// template-data key. Malformed rows are skipped with their line numbers
// reported.
func Parse(r io.Reader, d Defaults) ([]scheduler.ScheduleRequest, []string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv: %w", err)
	}

	if len(records) < 2 {
		return nil, nil, errors.New("csv must contain header and at least one row")
	}

	headers := records[0]
	if len(headers) == 0 || !strings.EqualFold(headers[0], "recipient") {
		return nil, nil, errors.New(`first column must be "recipient"`)
	}

	scheduledAtCol := -1
	for i, h := range headers {
		if strings.EqualFold(h, "scheduled_at") {
			scheduledAtCol = i
		}
	}

	var (
		requests []scheduler.ScheduleRequest
		skipped  []string
	)

	for n, row := range records[1:] {
		line := n + 2

		if len(row) != len(headers) {
			skipped = append(skipped, fmt.Sprintf("line %d: wrong column count", line))
			continue
		}
		if row[0] == "" {
			skipped = append(skipped, fmt.Sprintf("line %d: empty recipient", line))
			continue
		}

		req := scheduler.ScheduleRequest{
			TenantID:   d.TenantID,
			Template:   d.Template,
			To:         row[0],
			Subject:    d.Subject,
			Priority:   d.Priority,
			CampaignID: d.CampaignID,
			Data:       make(map[string]interface{}),
		}

		if scheduledAtCol >= 0 && row[scheduledAtCol] != "" {
			at, err := time.Parse(time.RFC3339, row[scheduledAtCol])
			if err != nil {
				skipped = append(skipped, fmt.Sprintf("line %d: bad scheduled_at: %v", line, err))
				continue
			}
			req.ScheduledAt = at
		}

		for i := 1; i < len(headers); i++ {
			if i == scheduledAtCol {
				continue
			}
			req.Data[headers[i]] = row[i]
		}

		requests = append(requests, req)
	}

	return requests, skipped, nil
}
