package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"futures-screener/pkg/types"
)

// ApplyDensityOps applies one flush batch of tracker mutations inside a
// single transaction. Ops are applied in buffer order, with contiguous
// runs of the same kind collapsed into one multi-row statement, so a
// level deleted and re-created within the same flush window lands in its
// final state.
func (s *Store) ApplyDensityOps(ctx context.Context, ops []types.DensityOp) error {
	if len(ops) == 0 {
		return nil
	}

	err := s.execRetry(ctx, "apply density ops", func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		start := 0
		for start < len(ops) {
			end := start + 1
			for end < len(ops) && ops[end].Kind == ops[start].Kind && end-start < upsertChunk {
				end++
			}
			run := ops[start:end]

			switch run[0].Kind {
			case types.OpInsert:
				if err := execDensityUpsert(ctx, tx, run, true); err != nil {
					return err
				}
			case types.OpUpdate:
				if err := execDensityUpsert(ctx, tx, run, false); err != nil {
					return err
				}
			case types.OpDelete:
				if err := execDensityDelete(ctx, tx, run); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown density op kind %q", run[0].Kind)
			}
			start = end
		}

		return tx.Commit()
	})
	if err != nil {
		s.logger.Error("dropping density batch", "ops", len(ops), "error", err)
		return fmt.Errorf("apply density ops: %w", err)
	}
	return nil
}

// execDensityUpsert writes one run of INSERT or UPDATE ops. Fresh inserts
// overwrite first_seen on conflict; updates leave it untouched.
func execDensityUpsert(ctx context.Context, tx *sqlx.Tx, run []types.DensityOp, fresh bool) error {
	var sb strings.Builder
	args := make([]interface{}, 0, len(run)*10)

	sb.WriteString(`INSERT INTO order_densities
		(symbol, price, side, current_size_usd, max_size_usd, touched,
		 reduction_usd, percent_from_market, first_seen, last_updated) VALUES `)
	for i, op := range run {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 10
		sb.WriteByte('(')
		for j := 1; j <= 10; j++ {
			if j > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteByte(')')
		r := op.Record
		args = append(args, r.Symbol, r.Price, r.Side, r.CurrentSizeUSD, r.MaxSizeUSD,
			r.Touched, r.ReductionUSD, r.PercentFromMarket, r.FirstSeen, r.LastUpdated)
	}

	sb.WriteString(` ON CONFLICT (symbol, price) DO UPDATE SET
		side = EXCLUDED.side,
		current_size_usd = EXCLUDED.current_size_usd,
		max_size_usd = EXCLUDED.max_size_usd,
		touched = EXCLUDED.touched,
		reduction_usd = EXCLUDED.reduction_usd,
		percent_from_market = EXCLUDED.percent_from_market,
		last_updated = EXCLUDED.last_updated`)
	if fresh {
		sb.WriteString(", first_seen = EXCLUDED.first_seen")
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert densities: %w", err)
	}
	return nil
}

func execDensityDelete(ctx context.Context, tx *sqlx.Tx, run []types.DensityOp) error {
	var sb strings.Builder
	args := make([]interface{}, 0, len(run)*2)

	sb.WriteString("DELETE FROM order_densities WHERE (symbol, price) IN (")
	for i, op := range run {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d,$%d)", i*2+1, i*2+2)
		args = append(args, op.Record.Symbol, op.Record.Price)
	}
	sb.WriteByte(')')

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("delete densities: %w", err)
	}
	return nil
}

// LiveDensities returns the full current contents of order_densities.
// The order-density leaf evaluates against this rather than the
// in-process tracker so restarts see the persisted state immediately.
func (s *Store) LiveDensities(ctx context.Context) ([]types.DensityRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT symbol, price, side, current_size_usd, max_size_usd, touched,
		       reduction_usd, percent_from_market, first_seen, last_updated
		FROM order_densities`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("live densities: %w", err)
	}
	defer rows.Close()

	var out []types.DensityRecord
	for rows.Next() {
		var r types.DensityRecord
		if err := rows.Scan(&r.Symbol, &r.Price, &r.Side, &r.CurrentSizeUSD, &r.MaxSizeUSD,
			&r.Touched, &r.ReductionUSD, &r.PercentFromMarket, &r.FirstSeen, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan density row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate density rows: %w", err)
	}
	return out, nil
}
