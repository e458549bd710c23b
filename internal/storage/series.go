package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"futures-screener/pkg/types"
)

// asInterval renders a duration as a postgres interval literal, passed
// as a bind parameter and cast with ::interval in the query text.
func asInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// UpsertSeries writes a batch of observations for one family. The write
// is idempotent: re-upserting an existing (ts, symbol) overwrites the
// value. Batches are chunked; a chunk that still fails after one retry
// is dropped with a log line so the pipeline keeps running.
func (s *Store) UpsertSeries(ctx context.Context, family types.Family, rows []types.SeriesRow) error {
	if len(rows) == 0 {
		return nil
	}
	tbl, err := table(family)
	if err != nil {
		return err
	}

	for start := 0; start < len(rows); start += upsertChunk {
		end := start + upsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		query, args := buildSeriesUpsert(tbl, chunk)
		err := s.execRetry(ctx, "upsert "+tbl, func(ctx context.Context) error {
			_, execErr := s.db.ExecContext(ctx, query, args...)
			return execErr
		})
		if err != nil {
			s.logger.Error("dropping series chunk", "table", tbl, "rows", len(chunk), "error", err)
			return fmt.Errorf("upsert %s: %w", tbl, err)
		}
	}
	return nil
}

func buildSeriesUpsert(tbl string, rows []types.SeriesRow) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*3)

	fmt.Fprintf(&sb, "INSERT INTO %s (ts, symbol, value) VALUES ", tbl)
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d,$%d,$%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, r.Ts, r.Symbol, r.Value)
	}
	sb.WriteString(" ON CONFLICT (ts, symbol) DO UPDATE SET value = EXCLUDED.value")
	return sb.String(), args
}

// UpsertFunding writes a batch of funding observations, same idempotency
// and chunking rules as UpsertSeries.
func (s *Store) UpsertFunding(ctx context.Context, rows []types.FundingRow) error {
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += upsertChunk {
		end := start + upsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		query, args := buildFundingUpsert(chunk)
		err := s.execRetry(ctx, "upsert funding", func(ctx context.Context) error {
			_, execErr := s.db.ExecContext(ctx, query, args...)
			return execErr
		})
		if err != nil {
			s.logger.Error("dropping funding chunk", "rows", len(chunk), "error", err)
			return fmt.Errorf("upsert funding: %w", err)
		}
	}
	return nil
}

func buildFundingUpsert(rows []types.FundingRow) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(rows)*4)

	sb.WriteString("INSERT INTO funding (ts, symbol, rate, next_settlement) VALUES ")
	for i, r := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d)", i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, r.Ts, r.Symbol, r.Rate, r.NextSettlement)
	}
	sb.WriteString(" ON CONFLICT (ts, symbol) DO UPDATE SET rate = EXCLUDED.rate, next_settlement = EXCLUDED.next_settlement")
	return sb.String(), args
}

// LatestPerSymbol returns the newest observation of each symbol.
func (s *Store) LatestPerSymbol(ctx context.Context, family types.Family) ([]types.ValueRow, error) {
	tbl, err := table(family)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT DISTINCT ON (symbol) symbol, value, ts
		FROM %s
		ORDER BY symbol, ts DESC`, tbl)

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", tbl, err)
	}
	defer rows.Close()

	return scanValueRows(rows)
}

// WindowSum returns, per symbol, the sum of values over the trailing
// window anchored at that symbol's own latest timestamp. Anchoring on
// per-symbol latest rather than wall-clock keeps a stalled symbol from
// fabricating a drop to zero.
func (s *Store) WindowSum(ctx context.Context, family types.Family, window time.Duration) ([]types.ValueRow, error) {
	tbl, err := table(family)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		WITH latest AS (
			SELECT symbol, MAX(ts) AS latest FROM %s GROUP BY symbol
		)
		SELECT t.symbol, COALESCE(SUM(t.value), 0) AS value, l.latest AS ts
		FROM %s t
		JOIN latest l ON l.symbol = t.symbol
		WHERE t.ts > l.latest - $1::interval AND t.ts <= l.latest
		GROUP BY t.symbol, l.latest`, tbl, tbl)

	rows, err := s.db.QueryxContext(ctx, query, asInterval(window))
	if err != nil {
		return nil, fmt.Errorf("window sum %s: %w", tbl, err)
	}
	defer rows.Close()

	return scanValueRows(rows)
}

// WindowChangePct returns, per symbol, the percent change between the
// latest value and the newest value at or before latest − window.
// Symbols without a value that far back are omitted rather than reported
// as zero change.
func (s *Store) WindowChangePct(ctx context.Context, family types.Family, window time.Duration) ([]types.ValueRow, error) {
	tbl, err := table(family)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		WITH latest AS (
			SELECT DISTINCT ON (symbol) symbol, ts, value
			FROM %s
			ORDER BY symbol, ts DESC
		),
		past AS (
			SELECT DISTINCT ON (t.symbol) t.symbol, t.value
			FROM %s t
			JOIN latest l ON l.symbol = t.symbol
			WHERE t.ts <= l.ts - $1::interval
			ORDER BY t.symbol, t.ts DESC
		)
		SELECT l.symbol, (l.value - p.value) / p.value * 100 AS value, l.ts
		FROM latest l
		JOIN past p ON p.symbol = l.symbol
		WHERE p.value <> 0`, tbl, tbl)

	rows, err := s.db.QueryxContext(ctx, query, asInterval(window))
	if err != nil {
		return nil, fmt.Errorf("window change %s: %w", tbl, err)
	}
	defer rows.Close()

	return scanValueRows(rows)
}

// Median returns, per symbol, the median value over the trailing history
// window anchored at that symbol's latest timestamp.
func (s *Store) Median(ctx context.Context, family types.Family, history time.Duration) ([]types.ValueRow, error) {
	tbl, err := table(family)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		WITH latest AS (
			SELECT symbol, MAX(ts) AS latest FROM %s GROUP BY symbol
		)
		SELECT t.symbol,
		       percentile_cont(0.5) WITHIN GROUP (ORDER BY t.value) AS value,
		       l.latest AS ts
		FROM %s t
		JOIN latest l ON l.symbol = t.symbol
		WHERE t.ts > l.latest - $1::interval
		GROUP BY t.symbol, l.latest`, tbl, tbl)

	rows, err := s.db.QueryxContext(ctx, query, asInterval(history))
	if err != nil {
		return nil, fmt.Errorf("median %s: %w", tbl, err)
	}
	defer rows.Close()

	return scanValueRows(rows)
}

// TwoWindowSums returns, per symbol, the sum over the trailing window and
// the sum over the window immediately before it, both anchored at the
// symbol's latest timestamp.
func (s *Store) TwoWindowSums(ctx context.Context, family types.Family, window time.Duration) ([]types.TwoWindowRow, error) {
	tbl, err := table(family)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		WITH latest AS (
			SELECT symbol, MAX(ts) AS latest FROM %s GROUP BY symbol
		)
		SELECT t.symbol,
		       COALESCE(SUM(t.value) FILTER (WHERE t.ts > l.latest - $1::interval), 0) AS cur,
		       COALESCE(SUM(t.value) FILTER (WHERE t.ts <= l.latest - $1::interval), 0) AS prev
		FROM %s t
		JOIN latest l ON l.symbol = t.symbol
		WHERE t.ts > l.latest - ($1::interval * 2)
		GROUP BY t.symbol`, tbl, tbl)

	rows, err := s.db.QueryxContext(ctx, query, asInterval(window))
	if err != nil {
		return nil, fmt.Errorf("two window sums %s: %w", tbl, err)
	}
	defer rows.Close()

	var out []types.TwoWindowRow
	for rows.Next() {
		var r types.TwoWindowRow
		if err := rows.Scan(&r.Symbol, &r.Cur, &r.Prev); err != nil {
			return nil, fmt.Errorf("scan two window row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate two window rows: %w", err)
	}
	return out, nil
}

// LatestFunding returns the newest funding observation of each symbol.
func (s *Store) LatestFunding(ctx context.Context) ([]types.FundingRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (symbol) symbol, ts, rate, next_settlement
		FROM funding
		ORDER BY symbol, ts DESC`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("latest funding: %w", err)
	}
	defer rows.Close()

	var out []types.FundingRow
	for rows.Next() {
		var r types.FundingRow
		if err := rows.Scan(&r.Symbol, &r.Ts, &r.Rate, &r.NextSettlement); err != nil {
			return nil, fmt.Errorf("scan funding row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate funding rows: %w", err)
	}
	return out, nil
}

func scanValueRows(rows *sqlx.Rows) ([]types.ValueRow, error) {
	var out []types.ValueRow
	for rows.Next() {
		var r types.ValueRow
		if err := rows.Scan(&r.Symbol, &r.Value, &r.Ts); err != nil {
			return nil, fmt.Errorf("scan value row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate value rows: %w", err)
	}
	return out, nil
}
