package uplink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
	// CreateTable issues CREATE TABLE IF NOT EXISTS on startup.
	CreateTable bool `yaml:"create_table"`
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

func (c *TimescaleConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "patch_samples"
	}
}

func (c TimescaleConfig) Validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("conn_string is required")
	}
	if !tableName.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	return nil
}

// Timescale inserts samples into a hypertable keyed by (peripheral, seq, ts).
// Redelivered batches hit the conflict clause and are acknowledged without
// duplicating rows.
type Timescale struct {
	db    *sql.DB
	table string
	owned bool
}

// OpenTimescale connects with the postgres driver and owns the pool.
func OpenTimescale(ctx context.Context, cfg TimescaleConfig) (*Timescale, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("timescale uplink: %w", err)
	}
	db, err := sql.Open("postgres", cfg.ConnString)
	if err != nil {
		return nil, err
	}
	t := NewTimescale(db, cfg.Table)
	t.owned = true
	if cfg.CreateTable {
		if err := t.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return t, nil
}

func NewTimescale(db *sql.DB, table string) *Timescale {
	return &Timescale{db: db, table: table}
}

func (t *Timescale) Name() string { return "timescaledb" }

func (t *Timescale) EnsureSchema(ctx context.Context) error {
	stmt := "CREATE TABLE IF NOT EXISTS " + t.table + ` (
	peripheral TEXT NOT NULL,
	name TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	payload BYTEA NOT NULL,
	batch_id TEXT NOT NULL,
	UNIQUE (peripheral, seq, ts)
)`
	if _, err := t.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", t.table, err)
	}
	return nil
}

func (t *Timescale) Deliver(ctx context.Context, batch domain.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.table)
	b.WriteString(" (peripheral, name, ts, seq, kind, payload, batch_id) VALUES ")

	args := make([]any, 0, len(batch.Samples)*7)
	for i, s := range batch.Samples {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		args = append(args,
			string(s.Peripheral.ID),
			s.Peripheral.DisplayName(),
			s.Timestamp,
			int64(s.Seq),
			s.Kind.String(),
			s.Payload,
			batch.ID,
		)
	}
	b.WriteString(" ON CONFLICT (peripheral, seq, ts) DO NOTHING")

	if _, err := t.db.ExecContext(ctx, b.String(), args...); err != nil {
		return classifyPostgres(t.Name(), fmt.Errorf("insert batch %s: %w", batch.ID, err))
	}
	return nil
}

func (t *Timescale) Close() error {
	if !t.owned {
		return nil
	}
	return t.db.Close()
}

// classifyPostgres rejects data exceptions (class 22) and integrity
// violations (class 23); the same rows would fail again.
func classifyPostgres(uplink string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return domain.Rejected(uplink, err)
		}
	}
	return domain.Transient(uplink, err)
}

var _ ports.Uplink = (*Timescale)(nil)
