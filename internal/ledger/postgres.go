package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "mailrelay/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type postgresLedger struct {
	pool *pgxpool.Pool
	log  logx.Logger
	ttl  time.Duration
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*postgresLedger, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Debug("postgres ledger ready", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return &postgresLedger{pool: pool, log: log, ttl: cfg.ClaimTTL, now: cfg.Now}, nil
}

func (l *postgresLedger) Close() error {
	l.pool.Close()
	return nil
}

func (l *postgresLedger) TryClaim(ctx context.Context, id string) (bool, error) {
	now := l.now()
	tag, err := l.pool.Exec(ctx,
		`INSERT INTO deliveries (message_id, claimed_at, committed) VALUES ($1, $2, FALSE)
		 ON CONFLICT (message_id) DO UPDATE SET claimed_at = EXCLUDED.claimed_at
		 WHERE deliveries.committed = FALSE AND deliveries.claimed_at <= $3`,
		id, now.UnixMilli(), claimCutoff(now, l.ttl))
	if err != nil {
		return false, storageErr("claim", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *postgresLedger) Commit(ctx context.Context, id string) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE deliveries SET committed = TRUE, committed_at = $1 WHERE message_id = $2 AND committed = FALSE`,
		l.now().UnixMilli(), id)
	if err != nil {
		return storageErr("commit", err)
	}
	if tag.RowsAffected() == 1 {
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

func (l *postgresLedger) Release(ctx context.Context, id string) error {
	if _, err := l.pool.Exec(ctx,
		`DELETE FROM deliveries WHERE message_id = $1 AND committed = FALSE`, id); err != nil {
		return storageErr("release", err)
	}
	return nil
}

func (l *postgresLedger) Get(ctx context.Context, id string) (Record, bool, error) {
	var (
		claimed     int64
		committed   bool
		committedAt *int64
	)
	err := l.pool.QueryRow(ctx,
		`SELECT claimed_at, committed, committed_at FROM deliveries WHERE message_id = $1`, id).
		Scan(&claimed, &committed, &committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storageErr("get", err)
	}
	rec := Record{MessageID: id, ClaimedAt: fromMillis(claimed), Committed: committed}
	if committedAt != nil {
		rec.CommittedAt = fromMillis(*committedAt)
	}
	return rec, true, nil
}

func (l *postgresLedger) Sweep(ctx context.Context, claimedBefore time.Time) (int, error) {
	return l.deleteWhere(ctx, "sweep",
		`DELETE FROM deliveries WHERE committed = FALSE AND claimed_at <= $1`, claimedBefore.UnixMilli())
}

func (l *postgresLedger) Prune(ctx context.Context, committedBefore time.Time) (int, error) {
	return l.deleteWhere(ctx, "prune",
		`DELETE FROM deliveries WHERE committed = TRUE AND committed_at < $1`, committedBefore.UnixMilli())
}

func (l *postgresLedger) Reset(ctx context.Context) (int, error) {
	return l.deleteWhere(ctx, "reset", `DELETE FROM deliveries`)
}

func (l *postgresLedger) deleteWhere(ctx context.Context, op, query string, args ...any) (int, error) {
	tag, err := l.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, storageErr(op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *postgresLedger) Stats(ctx context.Context) (Stats, error) {
	var (
		pending, committed int64
		oldest, last       *int64
	)
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE NOT committed),
		        COUNT(*) FILTER (WHERE committed),
		        MIN(claimed_at) FILTER (WHERE NOT committed),
		        MAX(committed_at)
		 FROM deliveries`).Scan(&pending, &committed, &oldest, &last)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	st := Stats{Pending: int(pending), Committed: int(committed)}
	if oldest != nil {
		st.OldestPending = fromMillis(*oldest)
	}
	if last != nil {
		st.LastCommitted = fromMillis(*last)
	}
	return st, nil
}
