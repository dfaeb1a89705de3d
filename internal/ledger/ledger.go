package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "mailrelay/pkg/logx"
)

var (
	// ErrNotClaimed is returned by Commit when no record exists for the id.
	ErrNotClaimed = errors.New("message not claimed")
	// ErrStorage wraps every backend I/O failure. Callers must not read it as
	// "already delivered".
	ErrStorage = errors.New("ledger storage failure")
	ErrClosed  = errors.New("ledger closed")
)

// Record is one delivery record.
type Record struct {
	MessageID   string    `json:"message_id"`
	ClaimedAt   time.Time `json:"claimed_at"`
	Committed   bool      `json:"committed"`
	CommittedAt time.Time `json:"committed_at,omitzero"`
}

// Stats summarizes the ledger for health output and the stats command.
type Stats struct {
	Pending       int       `json:"pending"`
	Committed     int       `json:"committed"`
	OldestPending time.Time `json:"oldest_pending,omitzero"`
	LastCommitted time.Time `json:"last_committed,omitzero"`
}

// Ledger is the dedup ledger. Implementations are safe for concurrent use.
type Ledger interface {
	// TryClaim atomically claims id. It reports false when the id is
	// committed or holds a pending claim younger than the claim TTL.
	TryClaim(ctx context.Context, id string) (bool, error)
	// Commit marks a claimed id delivered. Committing twice is a no-op.
	Commit(ctx context.Context, id string) error
	// Release drops a pending claim. Committed records are left untouched.
	Release(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Record, bool, error)

	// Sweep releases pending claims taken before cutoff.
	Sweep(ctx context.Context, claimedBefore time.Time) (int, error)
	// Prune deletes committed records older than cutoff.
	Prune(ctx context.Context, committedBefore time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	// Reset deletes every record.
	Reset(ctx context.Context) (int, error)
	Close() error
}

// Config configures Open.
type Config struct {
	Driver      string
	Path        string        // sqlite file or file-driver prefix
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	ClaimTTL    time.Duration // <=0 means pending claims never expire
	Now         func() time.Time
}

// Open initializes the configured ledger.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "file":
		return openFile(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}

// claimCutoff returns the claimed_at (unix ms) at or below which a pending
// claim is stale.
func claimCutoff(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return -1
	}
	return now.Add(-ttl).UnixMilli()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
