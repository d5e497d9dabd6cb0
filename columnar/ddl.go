package columnar

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/internal/errs"
)

// ddlChunk is one idempotently applied schema object.
type ddlChunk struct {
	// object is the relation name checked for existence before applying.
	object string
	stmt   string
}

// ddlChunks is applied in order on startup. Objects already present are
// silently skipped; only the final summary is logged.
var ddlChunks = []ddlChunk{
	{
		object: "transfers",
		stmt: `CREATE TABLE transfers (
			extrinsic_id   TEXT    NOT NULL,
			event_idx      INTEGER NOT NULL,
			asset          TEXT    NOT NULL,
			network        TEXT    NOT NULL,
			height         BIGINT  NOT NULL,
			block_ts       BIGINT  NOT NULL,
			from_addr      TEXT    NOT NULL,
			to_addr        TEXT    NOT NULL,
			amount         NUMERIC(40,0) NOT NULL CHECK (amount >= 0),
			fee            NUMERIC(40,0) NOT NULL CHECK (fee >= 0),
			asset_contract TEXT    NOT NULL,
			version        BIGINT  NOT NULL,
			PRIMARY KEY (extrinsic_id, event_idx, asset)
		)`,
	},
	{
		object: "transfers_height_idx",
		stmt:   `CREATE INDEX transfers_height_idx ON transfers (height)`,
	},
	{
		object: "transfers_from_idx",
		stmt:   `CREATE INDEX transfers_from_idx ON transfers (from_addr, height)`,
	},
	{
		object: "transfers_to_idx",
		stmt:   `CREATE INDEX transfers_to_idx ON transfers (to_addr, height)`,
	},
	{
		object: "balance_series",
		stmt: `CREATE TABLE balance_series (
			period_start   BIGINT NOT NULL,
			address        TEXT   NOT NULL,
			asset          TEXT   NOT NULL,
			network        TEXT   NOT NULL,
			period_end     BIGINT NOT NULL,
			height         BIGINT NOT NULL,
			free           NUMERIC(40,0) NOT NULL CHECK (free >= 0),
			reserved       NUMERIC(40,0) NOT NULL CHECK (reserved >= 0),
			staked         NUMERIC(40,0) NOT NULL CHECK (staked >= 0),
			total          NUMERIC(40,0) NOT NULL CHECK (total >= 0),
			free_delta     NUMERIC(40,0) NOT NULL,
			reserved_delta NUMERIC(40,0) NOT NULL,
			staked_delta   NUMERIC(40,0) NOT NULL,
			total_delta    NUMERIC(40,0) NOT NULL,
			pct_change     DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (period_start, address, asset)
		)`,
	},
	{
		object: "balance_series_addr_idx",
		stmt:   `CREATE INDEX balance_series_addr_idx ON balance_series (address, asset, period_start DESC)`,
	},
	{
		object: "assets",
		stmt: `CREATE TABLE assets (
			network           TEXT NOT NULL,
			asset_contract    TEXT NOT NULL,
			symbol            TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'unknown'
				CHECK (status IN ('verified', 'unknown', 'malicious')),
			display_name      TEXT NOT NULL DEFAULT '',
			decimals          SMALLINT NOT NULL DEFAULT 18,
			first_seen_height BIGINT NOT NULL DEFAULT 0,
			first_seen_ts     BIGINT NOT NULL DEFAULT 0,
			updated_at        BIGINT NOT NULL DEFAULT 0,
			updated_by        TEXT NOT NULL DEFAULT '',
			notes             TEXT NOT NULL DEFAULT '',
			version           BIGINT NOT NULL DEFAULT 1,
			PRIMARY KEY (network, asset_contract)
		)`,
	},
	{
		// Read-time join used by the external API: verification status is
		// never denormalized into transfer rows, so flagging an asset needs
		// no reindex.
		object: "transfers_verified",
		stmt: `CREATE VIEW transfers_verified AS
			SELECT t.*, a.symbol AS asset_symbol, a.status AS asset_status
			FROM transfers t
			LEFT JOIN assets a
				ON a.network = t.network AND a.asset_contract = t.asset_contract`,
	},
}

// EnsureSchema applies the DDL chunks in order, skipping objects that
// already exist. Any real error halts startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	created, skipped := 0, 0
	for _, chunk := range ddlChunks {
		exists, err := s.relationExists(ctx, chunk.object)
		if err != nil {
			return errs.E(errs.KindSchema, "columnar.EnsureSchema", err)
		}
		if exists {
			skipped++
			continue
		}
		if _, err := s.db.ExecContext(ctx, chunk.stmt); err != nil {
			return errs.Ef(errs.KindSchema, "columnar.EnsureSchema",
				"creating %s: %v", chunk.object, err)
		}
		created++
	}

	s.logger.Info("schema ready",
		zap.Int("created", created),
		zap.Int("skipped", skipped))
	return nil
}

// relationExists checks for a table, index, or view by name.
func (s *Store) relationExists(ctx context.Context, name string) (bool, error) {
	var reg sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, name).Scan(&reg)
	if err != nil {
		return false, err
	}
	return reg.Valid && reg.String != "", nil
}
