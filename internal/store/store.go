// Package store keeps the outcomes of pairings in SQLite and maintains
// the latest flag: among all outcomes of one unordered pair of runner and
// subject lineages exactly one is latest.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openkim/kimrun/internal/kimcode"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const ConfirmDrop = "yes"

var (
	ErrNotFound     = errors.New("not found")
	ErrDataMissing  = errors.New("outcome data missing")
	ErrNotConfirmed = errors.New("drop not confirmed")
)

// Outcome is the durable record of one finalized pairing.
type Outcome struct {
	UUID          string
	Kind          kimcode.Kind
	Runner        kimcode.Code
	Subject       kimcode.Code
	RunnerDriver  string
	SubjectDriver string
	PropertyData  any
	Profiling     map[string]any
	CreatedAt     time.Time
	ErrorText     string
	Latest        bool
}

func (o Outcome) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, kind: %s, runner: %s, subject: %s, latest: %t",
		o.UUID, o.Kind, o.Runner, o.Subject, o.Latest)
	if o.ErrorText != "" {
		sb.WriteString(", error: yes")
	}
	return sb.String()
}

func (o Outcome) validate() error {
	switch {
	case o.UUID == "":
		return errors.New("outcome has no uuid")
	case o.Kind == kimcode.KindNone || !o.Kind.Valid():
		return fmt.Errorf("outcome %s has invalid kind %q", o.UUID, o.Kind)
	case o.Runner.Number == "" || o.Subject.Number == "":
		return fmt.Errorf("outcome %s: %w: runner or subject", o.UUID, ErrDataMissing)
	}
	return nil
}

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. A single connection
// serializes all writes.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// inTx runs fn in a transaction committed when fn succeeds.
func (s *Store) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "op", what, "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Insert writes o, replacing an outcome with the same uuid, and recomputes
// the latest flag of its pair.
func (s *Store) Insert(ctx context.Context, o Outcome) error {
	if err := o.validate(); err != nil {
		return err
	}
	pd, err := marshal(o.PropertyData)
	if err != nil {
		return fmt.Errorf("encoding property data of %s: %w", o.UUID, err)
	}
	prof, err := marshal(o.Profiling)
	if err != nil {
		return fmt.Errorf("encoding profiling of %s: %w", o.UUID, err)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	return s.inTx(ctx, "insert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outcomes (
				uuid, kind,
				runner_id, runner_short, runner_number, runner_version,
				subject_id, subject_short, subject_number, subject_version,
				runner_driver, subject_driver,
				property_data, profiling, created_at, error_text, latest
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,false)
			ON CONFLICT(uuid) DO UPDATE SET
				kind = excluded.kind,
				runner_id = excluded.runner_id,
				runner_short = excluded.runner_short,
				runner_number = excluded.runner_number,
				runner_version = excluded.runner_version,
				subject_id = excluded.subject_id,
				subject_short = excluded.subject_short,
				subject_number = excluded.subject_number,
				subject_version = excluded.subject_version,
				runner_driver = excluded.runner_driver,
				subject_driver = excluded.subject_driver,
				property_data = excluded.property_data,
				profiling = excluded.profiling,
				created_at = excluded.created_at,
				error_text = excluded.error_text;`,
			o.UUID, string(o.Kind),
			o.Runner.String(), o.Runner.Short(), o.Runner.Number, o.Runner.VersionInt(),
			o.Subject.String(), o.Subject.Short(), o.Subject.Number, o.Subject.VersionInt(),
			o.RunnerDriver, o.SubjectDriver,
			pd, prof, o.CreatedAt.UnixNano(), o.ErrorText,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return recompute(ctx, tx, o.Runner.Number, o.Subject.Number)
	})
}

// RecomputeLatest re-derives the latest flag among the outcomes of the
// lineage numbers a and b, in either order. No outcomes is not an error.
func (s *Store) RecomputeLatest(ctx context.Context, a, b string) error {
	return s.inTx(ctx, "recompute", func(tx *sql.Tx) error {
		return recompute(ctx, tx, a, b)
	})
}

func recompute(ctx context.Context, tx *sql.Tx, a, b string) error {
	var top string
	err := tx.QueryRowContext(ctx,
		`SELECT uuid FROM outcomes
		WHERE (runner_number = ? AND subject_number = ?)
		   OR (runner_number = ? AND subject_number = ?)
		ORDER BY runner_version DESC, subject_version DESC, created_at DESC, uuid DESC
		LIMIT 1`, a, b, b, a,
	).Scan(&top)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		slog.DebugContext(ctx, "no outcomes for pair: skipping latest update", "a", a, "b", b)
		return nil
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE outcomes SET latest = (uuid = ?)
		WHERE (runner_number = ? AND subject_number = ?)
		   OR (runner_number = ? AND subject_number = ?)`, top, a, b, b, a,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return nil
}

// Delete removes every outcome whose uuid, runner, subject or one of the
// drivers equals id, then recomputes the affected pairs. It returns the
// number of removed outcomes, zero when nothing matched.
func (s *Store) Delete(ctx context.Context, id string) (int, error) {
	const match = `? IN (uuid, runner_id, runner_short, subject_id, subject_short, runner_driver, subject_driver)`
	var deleted int
	err := s.inTx(ctx, "delete", func(tx *sql.Tx) error {
		pairs, err := queryPairs(ctx, tx, `SELECT DISTINCT runner_number, subject_number FROM outcomes WHERE `+match, id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE `+match, id)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		deleted = int(ra)
		for _, p := range pairs {
			if err := recompute(ctx, tx, p[0], p[1]); err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

// RebuildLatest recomputes the latest flag of every pair. A pair which
// fails is logged and skipped, the number of failed pairs is returned.
func (s *Store) RebuildLatest(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT min(runner_number, subject_number), max(runner_number, subject_number) FROM outcomes`)
	if err != nil {
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	pairs, err := scanPairs(rows)
	if err != nil {
		return 0, err
	}

	var failed int
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if err := s.RecomputeLatest(ctx, p[0], p[1]); err != nil {
			failed++
			slog.WarnContext(ctx, "updating latest flag failed: skipping", "a", p[0], "b", p[1], "error", err)
		}
	}
	return failed, nil
}

// Get returns the outcome identified by uuid or ErrNotFound.
func (s *Store) Get(ctx context.Context, uuid string) (Outcome, error) {
	row := s.db.QueryRowContext(ctx, selectOutcome+` WHERE uuid = ?`, uuid)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return o, err
}

// Latest returns the latest outcome of the lineage numbers a and b.
func (s *Store) Latest(ctx context.Context, a, b string) (Outcome, error) {
	row := s.db.QueryRowContext(ctx, selectOutcome+`
		WHERE latest AND ((runner_number = ? AND subject_number = ?)
		   OR (runner_number = ? AND subject_number = ?))`, a, b, b, a)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, fmt.Errorf("%w: latest of %s and %s", ErrNotFound, a, b)
	}
	return o, err
}

// List returns outcomes ordered by creation time, optionally only latest ones.
func (s *Store) List(ctx context.Context, latestOnly bool) ([]Outcome, error) {
	q := selectOutcome
	if latestOnly {
		q += ` WHERE latest`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY created_at, uuid`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Drop removes every outcome. confirm must be ConfirmDrop.
func (s *Store) Drop(ctx context.Context, confirm string) error {
	if confirm != ConfirmDrop {
		return ErrNotConfirmed
	}
	return s.inTx(ctx, "drop", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes`); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		return nil
	})
}

const selectOutcome = `SELECT uuid, kind, runner_id, subject_id, runner_driver, subject_driver,
	property_data, profiling, created_at, error_text, latest FROM outcomes`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (Outcome, error) {
	var (
		o                     Outcome
		kind, runner, subject string
		pd, prof              sql.NullString
		created               int64
	)
	err := row.Scan(&o.UUID, &kind, &runner, &subject, &o.RunnerDriver, &o.SubjectDriver,
		&pd, &prof, &created, &o.ErrorText, &o.Latest)
	if err != nil {
		return Outcome{}, err
	}
	o.Kind = kimcode.Kind(kind)
	if o.Runner, err = kimcode.Parse(runner); err != nil {
		return Outcome{}, err
	}
	if o.Subject, err = kimcode.Parse(subject); err != nil {
		return Outcome{}, err
	}
	o.CreatedAt = time.Unix(0, created)
	if pd.Valid {
		if err := json.Unmarshal([]byte(pd.String), &o.PropertyData); err != nil {
			return Outcome{}, fmt.Errorf("decoding property data of %s: %w", o.UUID, err)
		}
	}
	if prof.Valid {
		if err := json.Unmarshal([]byte(prof.String), &o.Profiling); err != nil {
			return Outcome{}, fmt.Errorf("decoding profiling of %s: %w", o.UUID, err)
		}
	}
	return o, nil
}

func queryPairs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([][2]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return scanPairs(rows)
}

func scanPairs(rows *sql.Rows) ([][2]string, error) {
	defer func() {
		_ = rows.Close()
	}()
	var pairs [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func marshal(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
