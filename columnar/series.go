package columnar

import (
	"context"
	"database/sql"
	"math/big"
)

// SeriesRow is one balance snapshot keyed by (period_start, address, asset).
// All balances and deltas are 18-decimal fixed point.
type SeriesRow struct {
	PeriodStart int64
	Address     string
	Asset       string
	PeriodEnd   int64
	Height      uint32

	Free     *big.Int
	Reserved *big.Int
	Staked   *big.Int
	Total    *big.Int

	FreeDelta     *big.Int
	ReservedDelta *big.Int
	StakedDelta   *big.Int
	TotalDelta    *big.Int
	PctChange     float64
}

func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// UpsertSeries writes the closed-period snapshots of one batch in a single
// transaction. Replays rewrite identical rows.
func (s *Store) UpsertSeries(ctx context.Context, rows []SeriesRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, "columnar.UpsertSeries", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO balance_series
			(period_start, address, asset, network, period_end, height,
			 free, reserved, staked, total,
			 free_delta, reserved_delta, staked_delta, total_delta, pct_change)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (period_start, address, asset) DO UPDATE SET
				period_end = EXCLUDED.period_end,
				height = EXCLUDED.height,
				free = EXCLUDED.free,
				reserved = EXCLUDED.reserved,
				staked = EXCLUDED.staked,
				total = EXCLUDED.total,
				free_delta = EXCLUDED.free_delta,
				reserved_delta = EXCLUDED.reserved_delta,
				staked_delta = EXCLUDED.staked_delta,
				total_delta = EXCLUDED.total_delta,
				pct_change = EXCLUDED.pct_change`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			_, err := stmt.ExecContext(ctx,
				r.PeriodStart, r.Address, r.Asset, s.network, r.PeriodEnd, int64(r.Height),
				bigStr(r.Free), bigStr(r.Reserved), bigStr(r.Staked), bigStr(r.Total),
				bigStr(r.FreeDelta), bigStr(r.ReservedDelta), bigStr(r.StakedDelta),
				bigStr(r.TotalDelta), r.PctChange)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LastPrior returns the most recent series record for (address, asset)
// strictly before the given period start, if any.
func (s *Store) LastPrior(ctx context.Context, address, asset string, before int64) (*SeriesRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
			period_start, period_end, height, free, reserved, staked, total
		FROM balance_series
		WHERE address = $1 AND asset = $2 AND network = $3 AND period_start < $4
		ORDER BY period_start DESC LIMIT 1`,
		address, asset, s.network, before)

	var out SeriesRow
	var free, reserved, staked, total string
	var height int64
	err := row.Scan(&out.PeriodStart, &out.PeriodEnd, &height, &free, &reserved, &staked, &total)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("columnar.LastPrior", err)
	}

	out.Address = address
	out.Asset = asset
	out.Height = uint32(height)
	out.Free, _ = new(big.Int).SetString(free, 10)
	out.Reserved, _ = new(big.Int).SetString(reserved, 10)
	out.Staked, _ = new(big.Int).SetString(staked, 10)
	out.Total, _ = new(big.Int).SetString(total, 10)
	return &out, nil
}
