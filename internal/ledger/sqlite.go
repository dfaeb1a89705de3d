package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "mailrelay/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteLedger struct {
	db  *sql.DB
	log logx.Logger
	ttl time.Duration
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteLedger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: every statement is serialized, which is what makes the
	// claim upsert atomic with respect to other callers in this process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}

	l := &sqliteLedger{db: db, log: log, ttl: cfg.ClaimTTL, now: cfg.Now}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *sqliteLedger) migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return l.importLegacy(ctx)
}

// importLegacy folds the old processed(id, ts) table into deliveries as
// committed records, then renames it so the import runs once.
func (l *sqliteLedger) importLegacy(ctx context.Context) error {
	var name string
	err := l.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'processed'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlite legacy lookup: %w", err)
	}

	now := l.now().UnixMilli()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO deliveries (message_id, claimed_at, committed, committed_at)
		 SELECT id,
		        COALESCE(CAST(strftime('%s', ts) AS INTEGER) * 1000, ?),
		        1,
		        COALESCE(CAST(strftime('%s', ts) AS INTEGER) * 1000, ?)
		 FROM processed WHERE id IS NOT NULL
		 ON CONFLICT (message_id) DO NOTHING`, now, now)
	if err != nil {
		return fmt.Errorf("sqlite legacy import: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE processed RENAME TO processed_imported`); err != nil {
		return fmt.Errorf("sqlite legacy rename: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	l.log.Info("imported legacy processed table", logx.Int64("records", n))
	return nil
}

func (l *sqliteLedger) Close() error { return l.db.Close() }

func (l *sqliteLedger) TryClaim(ctx context.Context, id string) (bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO deliveries (message_id, claimed_at, committed) VALUES (?, ?, 0)
		 ON CONFLICT (message_id) DO UPDATE SET claimed_at = excluded.claimed_at
		 WHERE deliveries.committed = 0 AND deliveries.claimed_at <= ?`,
		id, now.UnixMilli(), claimCutoff(now, l.ttl))
	if err != nil {
		return false, storageErr("claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("claim", err)
	}
	return n == 1, nil
}

func (l *sqliteLedger) Commit(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE deliveries SET committed = 1, committed_at = ? WHERE message_id = ? AND committed = 0`,
		l.now().UnixMilli(), id)
	if err != nil {
		return storageErr("commit", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("commit", err)
	} else if n == 1 {
		return nil
	}
	rec, ok, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	if !rec.Committed {
		return storageErr("commit", errors.New("record changed concurrently"))
	}
	return nil
}

func (l *sqliteLedger) Release(ctx context.Context, id string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE message_id = ? AND committed = 0`, id); err != nil {
		return storageErr("release", err)
	}
	return nil
}

func (l *sqliteLedger) Get(ctx context.Context, id string) (Record, bool, error) {
	var (
		claimed     int64
		committed   int
		committedAt sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT claimed_at, committed, committed_at FROM deliveries WHERE message_id = ?`, id).
		Scan(&claimed, &committed, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storageErr("get", err)
	}
	return Record{
		MessageID:   id,
		ClaimedAt:   fromMillis(claimed),
		Committed:   committed == 1,
		CommittedAt: fromMillis(committedAt.Int64),
	}, true, nil
}

func (l *sqliteLedger) Sweep(ctx context.Context, claimedBefore time.Time) (int, error) {
	return l.deleteWhere(ctx, "sweep",
		`DELETE FROM deliveries WHERE committed = 0 AND claimed_at <= ?`, claimedBefore.UnixMilli())
}

func (l *sqliteLedger) Prune(ctx context.Context, committedBefore time.Time) (int, error) {
	return l.deleteWhere(ctx, "prune",
		`DELETE FROM deliveries WHERE committed = 1 AND committed_at < ?`, committedBefore.UnixMilli())
}

func (l *sqliteLedger) Reset(ctx context.Context) (int, error) {
	return l.deleteWhere(ctx, "reset", `DELETE FROM deliveries`)
}

func (l *sqliteLedger) deleteWhere(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return int(n), nil
}

func (l *sqliteLedger) Stats(ctx context.Context) (Stats, error) {
	var (
		pending, committed int
		oldest, last       sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN committed = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN committed = 1 THEN 1 ELSE 0 END), 0),
		        MIN(CASE WHEN committed = 0 THEN claimed_at END),
		        MAX(committed_at)
		 FROM deliveries`).Scan(&pending, &committed, &oldest, &last)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return Stats{
		Pending:       pending,
		Committed:     committed,
		OldestPending: fromMillis(oldest.Int64),
		LastCommitted: fromMillis(last.Int64),
	}, nil
}
