package store

import (
	"fmt"
	"strings"
	"time"
)

type SpendSummaryRequest struct {
	Period  string
	GroupBy string
	Now     time.Time
}

type SpendSummaryTotals struct {
	Committed int64 `json:"committed"`
	Held      int64 `json:"held"`
	Refunded  int64 `json:"refunded"`
	Credited  int64 `json:"credited"`
	Jobs      int64 `json:"jobs"`
}

type SpendSummaryGroup struct {
	Key string `json:"key"`
	SpendSummaryTotals
}

type SpendSummaryResponse struct {
	Period string              `json:"period"`
	From   time.Time           `json:"from"`
	To     time.Time           `json:"to"`
	Totals SpendSummaryTotals  `json:"totals"`
	Groups []SpendSummaryGroup `json:"groups,omitempty"`
}

// SpendSummary aggregates token movement over a period. Committed counts the
// held amounts whose hold was settled by a commit; Held counts holds still
// awaiting settlement; Refunded and Credited are the raw positive deltas.
func (s *Store) SpendSummary(req SpendSummaryRequest) (*SpendSummaryResponse, error) {
	periodStr := strings.TrimSpace(req.Period)
	if periodStr == "" {
		periodStr = "24h"
	}
	d, err := time.ParseDuration(periodStr)
	if err != nil || d <= 0 {
		return nil, fmt.Errorf("invalid period: %q", periodStr)
	}
	to := req.Now
	if to.IsZero() {
		to = time.Now()
	}
	from := to.Add(-d)
	fromStr := from.UTC().Format(time.RFC3339Nano)
	toStr := to.UTC().Format(time.RFC3339Nano)

	resp := &SpendSummaryResponse{
		Period: periodStr,
		From:   from.UTC(),
		To:     to.UTC(),
	}

	groupBy := strings.TrimSpace(req.GroupBy)
	switch groupBy {
	case "", "none", "account", "provider":
	default:
		return nil, fmt.Errorf("unsupported group_by: %q", groupBy)
	}

	if err := s.db.Read.QueryRow(summaryQuery("", ""), fromStr, toStr).Scan(
		&resp.Totals.Committed,
		&resp.Totals.Held,
		&resp.Totals.Refunded,
		&resp.Totals.Credited,
		&resp.Totals.Jobs,
	); err != nil {
		return nil, err
	}
	if groupBy == "" || groupBy == "none" {
		return resp, nil
	}

	var keyExpr string
	switch groupBy {
	case "account":
		keyExpr = "e.account_id"
	case "provider":
		keyExpr = "COALESCE(j.provider, '')"
	}
	rows, err := s.db.Read.Query(summaryQuery(keyExpr, groupBy), fromStr, toStr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var g SpendSummaryGroup
		if err := rows.Scan(&g.Key, &g.Committed, &g.Held, &g.Refunded, &g.Credited, &g.Jobs); err != nil {
			return nil, err
		}
		resp.Groups = append(resp.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func summaryQuery(keyExpr, groupBy string) string {
	selectKey := ""
	join := ""
	tail := ""
	if keyExpr != "" {
		selectKey = keyExpr + ", "
		tail = " GROUP BY " + keyExpr + " ORDER BY 2 DESC"
	}
	if groupBy == "provider" {
		join = " LEFT JOIN jobs j ON j.idempotency_key = e.idempotency_key"
	}
	return `
		SELECT ` + selectKey + `
			COALESCE(SUM(CASE WHEN e.reason = 'hold' AND EXISTS (
				SELECT 1 FROM ledger_entries c
				WHERE c.idempotency_key = e.idempotency_key AND c.reason = 'commit'
			) THEN -e.delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.reason = 'hold' AND NOT EXISTS (
				SELECT 1 FROM ledger_entries c
				WHERE c.idempotency_key = e.idempotency_key AND c.reason IN ('commit', 'refund')
			) THEN -e.delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.reason = 'refund' THEN e.delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.reason = 'adjustment' THEN e.delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.reason = 'hold' THEN 1 ELSE 0 END), 0)
		FROM ledger_entries e` + join + `
		WHERE e.created_at >= ? AND e.created_at <= ?` + tail
}
