package columnar

import (
	"context"
	"database/sql"
	"time"

	"github.com/chainscope/indexer-go/internal/errs"
)

// Asset verification states.
const (
	StatusVerified  = "verified"
	StatusUnknown   = "unknown"
	StatusMalicious = "malicious"
)

// AssetRecord is one row of the asset dictionary, keyed by
// (network, asset_contract).
type AssetRecord struct {
	Network         string
	AssetContract   string
	Symbol          string
	Status          string
	DisplayName     string
	Decimals        int
	FirstSeenHeight uint32
	FirstSeenTS     int64
	UpdatedAt       int64
	UpdatedBy       string
	Notes           string
	Version         int64
}

func validStatus(s string) bool {
	switch s {
	case StatusVerified, StatusUnknown, StatusMalicious:
		return true
	}
	return false
}

// EnsureExists registers an asset the first time it is observed on chain.
// The first writer wins; replays and later sightings are no-ops, so
// first_seen stays at the earliest observation.
func (s *Store) EnsureExists(ctx context.Context, contract, symbol string, height uint32, ts int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO assets
		(network, asset_contract, symbol, status, first_seen_height, first_seen_ts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (network, asset_contract) DO NOTHING`,
		s.network, contract, symbol, StatusUnknown, int64(height), ts)
	if err != nil {
		return classify("columnar.EnsureExists", err)
	}
	return nil
}

// SeedNatives pre-registers the network's native asset as verified so the
// read path never treats it as unknown.
func (s *Store) SeedNatives(ctx context.Context, contract, symbol string, decimals int) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `INSERT INTO assets
		(network, asset_contract, symbol, status, display_name, decimals, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $3, $5, $6, 'system')
		ON CONFLICT (network, asset_contract) DO NOTHING`,
		s.network, contract, symbol, StatusVerified, decimals, now)
	if err != nil {
		return classify("columnar.SeedNatives", err)
	}
	return nil
}

// UpdateVerification sets the verification status of an asset. The latest
// write wins and bumps the record version.
func (s *Store) UpdateVerification(ctx context.Context, contract, status, updatedBy, notes string) error {
	if !validStatus(status) {
		return errs.Ef(errs.KindConfig, "columnar.UpdateVerification",
			"invalid status %q", status)
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `UPDATE assets SET
			status = $3,
			updated_by = $4,
			notes = $5,
			updated_at = $6,
			version = version + 1
		WHERE network = $1 AND asset_contract = $2`,
		s.network, contract, status, updatedBy, notes, now)
	if err != nil {
		return classify("columnar.UpdateVerification", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("columnar.UpdateVerification", err)
	}
	if n == 0 {
		return errs.Ef(errs.KindConfig, "columnar.UpdateVerification",
			"unknown asset %q", contract)
	}
	return nil
}

// Lookup fetches one asset record, or nil when the asset is not registered.
func (s *Store) Lookup(ctx context.Context, contract string) (*AssetRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
			network, asset_contract, symbol, status, display_name, decimals,
			first_seen_height, first_seen_ts, updated_at, updated_by, notes, version
		FROM assets WHERE network = $1 AND asset_contract = $2`,
		s.network, contract)
	rec, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("columnar.Lookup", err)
	}
	return rec, nil
}

// List returns the network's asset records, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string) ([]AssetRecord, error) {
	if status != "" && !validStatus(status) {
		return nil, errs.Ef(errs.KindConfig, "columnar.List", "invalid status %q", status)
	}
	query := `SELECT
			network, asset_contract, symbol, status, display_name, decimals,
			first_seen_height, first_seen_ts, updated_at, updated_by, notes, version
		FROM assets WHERE network = $1`
	args := []interface{}{s.network}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY first_seen_height, asset_contract`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("columnar.List", err)
	}
	defer rows.Close()

	var out []AssetRecord
	for rows.Next() {
		rec, err := scanAsset(rows)
		if err != nil {
			return nil, classify("columnar.List", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("columnar.List", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(r rowScanner) (*AssetRecord, error) {
	var rec AssetRecord
	var height int64
	err := r.Scan(&rec.Network, &rec.AssetContract, &rec.Symbol, &rec.Status,
		&rec.DisplayName, &rec.Decimals, &height, &rec.FirstSeenTS,
		&rec.UpdatedAt, &rec.UpdatedBy, &rec.Notes, &rec.Version)
	if err != nil {
		return nil, err
	}
	rec.FirstSeenHeight = uint32(height)
	return &rec, nil
}
