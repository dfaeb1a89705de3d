package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	logx "mailrelay/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// LedgerSuite runs the same behavior checks against every driver.
type LedgerSuite struct {
	suite.Suite
	driver string
	dsn    string // postgres only

	dir   string
	clock *fakeClock
	l     Ledger
}

func TestSQLiteLedger(t *testing.T) {
	suite.Run(t, &LedgerSuite{driver: "sqlite"})
}

func TestFileLedger(t *testing.T) {
	suite.Run(t, &LedgerSuite{driver: "file"})
}

func (s *LedgerSuite) config() Config {
	path := filepath.Join(s.dir, "state.db")
	if s.driver == "file" {
		path = filepath.Join(s.dir, "state")
	}
	return Config{
		Driver:   s.driver,
		Path:     path,
		DSN:      s.dsn,
		ClaimTTL: time.Minute,
		Now:      s.clock.Now,
	}
}

func (s *LedgerSuite) open() Ledger {
	l, err := Open(context.Background(), s.config(), logx.Nop())
	s.Require().NoError(err)
	return l
}

func (s *LedgerSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.clock = newFakeClock()
	s.l = s.open()
	if s.driver == "postgres" {
		_, err := s.l.Reset(context.Background())
		s.Require().NoError(err)
	}
}

func (s *LedgerSuite) TearDownTest() {
	if s.l != nil {
		_ = s.l.Close()
	}
}

func (s *LedgerSuite) TestClaimCommitFlow() {
	ctx := context.Background()

	ok, err := s.l.TryClaim(ctx, "m1")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.l.TryClaim(ctx, "m1")
	s.Require().NoError(err)
	s.False(ok, "pending claim must block a second claim")

	s.Require().NoError(s.l.Commit(ctx, "m1"))
	s.Require().NoError(s.l.Commit(ctx, "m1"), "commit is idempotent")

	rec, found, err := s.l.Get(ctx, "m1")
	s.Require().NoError(err)
	s.True(found)
	s.True(rec.Committed)
	s.Equal(s.clock.Now().UnixMilli(), rec.CommittedAt.UnixMilli())

	s.clock.Advance(24 * time.Hour)
	ok, err = s.l.TryClaim(ctx, "m1")
	s.Require().NoError(err)
	s.False(ok, "committed ids are never claimable again")
}

func (s *LedgerSuite) TestCommitWithoutClaim() {
	err := s.l.Commit(context.Background(), "ghost")
	s.ErrorIs(err, ErrNotClaimed)
	s.False(errors.Is(err, ErrStorage))
}

func (s *LedgerSuite) TestReleaseAllowsReclaim() {
	ctx := context.Background()

	ok, err := s.l.TryClaim(ctx, "m2")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Require().NoError(s.l.Release(ctx, "m2"))
	_, found, err := s.l.Get(ctx, "m2")
	s.Require().NoError(err)
	s.False(found)

	ok, err = s.l.TryClaim(ctx, "m2")
	s.Require().NoError(err)
	s.True(ok)

	// releasing an unknown id is fine
	s.NoError(s.l.Release(ctx, "unknown"))
}

func (s *LedgerSuite) TestReleaseKeepsCommitted() {
	ctx := context.Background()
	ok, err := s.l.TryClaim(ctx, "m3")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(s.l.Commit(ctx, "m3"))

	s.Require().NoError(s.l.Release(ctx, "m3"))
	rec, found, err := s.l.Get(ctx, "m3")
	s.Require().NoError(err)
	s.True(found)
	s.True(rec.Committed)
}

func (s *LedgerSuite) TestStaleClaimIsReclaimable() {
	ctx := context.Background()
	ok, err := s.l.TryClaim(ctx, "m4")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.clock.Advance(30 * time.Second)
	ok, err = s.l.TryClaim(ctx, "m4")
	s.Require().NoError(err)
	s.False(ok)

	s.clock.Advance(31 * time.Second)
	ok, err = s.l.TryClaim(ctx, "m4")
	s.Require().NoError(err)
	s.True(ok, "claim older than the ttl can be taken over")

	rec, _, err := s.l.Get(ctx, "m4")
	s.Require().NoError(err)
	s.Equal(s.clock.Now().UnixMilli(), rec.ClaimedAt.UnixMilli())
}

func (s *LedgerSuite) TestConcurrentClaimHasOneWinner() {
	ctx := context.Background()
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.l.TryClaim(ctx, "race")
			if err != nil {
				s.T().Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *LedgerSuite) TestSweepAndPrune() {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		ok, err := s.l.TryClaim(ctx, id)
		s.Require().NoError(err)
		s.Require().True(ok)
	}
	s.Require().NoError(s.l.Commit(ctx, "a"))

	s.clock.Advance(time.Hour)
	ok, err := s.l.TryClaim(ctx, "d")
	s.Require().NoError(err)
	s.Require().True(ok)

	n, err := s.l.Sweep(ctx, s.clock.Now().Add(-time.Minute))
	s.Require().NoError(err)
	s.Equal(2, n, "b and c are stale, d is fresh")

	st, err := s.l.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Pending)
	s.Equal(1, st.Committed)
	s.Equal(s.clock.Now().UnixMilli(), st.OldestPending.UnixMilli())

	n, err = s.l.Prune(ctx, s.clock.Now())
	s.Require().NoError(err)
	s.Equal(1, n)

	st, err = s.l.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(0, st.Committed)
	s.Equal(1, st.Pending)
}

func (s *LedgerSuite) TestStatsAndReset() {
	ctx := context.Background()
	st, err := s.l.Stats(ctx)
	s.Require().NoError(err)
	s.Zero(st.Pending)
	s.Zero(st.Committed)
	s.True(st.OldestPending.IsZero())

	for _, id := range []string{"x", "y"} {
		_, err := s.l.TryClaim(ctx, id)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.l.Commit(ctx, "x"))

	st, err = s.l.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Pending)
	s.Equal(1, st.Committed)
	s.False(st.LastCommitted.IsZero())

	n, err := s.l.Reset(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	ok, err := s.l.TryClaim(ctx, "x")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *LedgerSuite) TestSurvivesReopen() {
	ctx := context.Background()
	ok, err := s.l.TryClaim(ctx, "p1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(s.l.Commit(ctx, "p1"))
	ok, err = s.l.TryClaim(ctx, "p2")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Require().NoError(s.l.Close())
	s.l = s.open()

	rec, found, err := s.l.Get(ctx, "p1")
	s.Require().NoError(err)
	s.True(found)
	s.True(rec.Committed)

	rec, found, err = s.l.Get(ctx, "p2")
	s.Require().NoError(err)
	s.True(found)
	s.False(rec.Committed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestSQLiteImportsLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE processed (id TEXT PRIMARY KEY, ts TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO processed (id, ts) VALUES ('old1', '2024-05-01 10:00:00'), ('old2', '2024-05-02 11:30:00')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	l, err := Open(ctx, Config{Driver: "sqlite", Path: path, ClaimTTL: time.Minute}, logx.Nop())
	require.NoError(t, err)

	rec, found, err := l.Get(ctx, "old1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Committed)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), rec.CommittedAt.UTC())

	ok, err := l.TryClaim(ctx, "old2")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, l.Close())

	// second open must not import again or fail on the renamed table
	l, err = Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	st, err := l.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Committed)
	require.NoError(t, l.Close())
}

func TestFileLedgerIgnoresTornJournalLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "state")}

	l, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	ok, err := l.TryClaim(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Commit(ctx, "j1"))

	// simulate a crash: write a partial line without closing cleanly
	fl := l.(*fileLedger)
	_, err = fl.journal.Write([]byte(`{"id":"j2","rec`))
	require.NoError(t, err)
	require.NoError(t, fl.journal.Close())

	l2, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer l2.Close()

	rec, found, err := l2.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Committed)

	_, found, err = l2.Get(ctx, "j2")
	require.NoError(t, err)
	require.False(t, found)

	// the torn tail is gone, so a later append survives the next replay
	ok, err = l2.TryClaim(ctx, "j3")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l2.(*fileLedger).journal.Close())

	records := map[string]fileRecord{}
	require.NoError(t, replayJournal(filepath.Join(dir, "state.journal.jsonl"), records, logx.Nop()))
	require.Contains(t, records, "j3")
}

// tornJournal writes half of each entry and then fails.
type tornJournal struct {
	journalFile
}

func (j tornJournal) Write(p []byte) (int, error) {
	n, _ := j.journalFile.Write(p[:len(p)/2])
	return n, io.ErrShortWrite
}

func TestFileLedgerCutsFailedJournalWrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	l, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	require.NoError(t, err)
	fl := l.(*fileLedger)

	ok, err := l.TryClaim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	inner := fl.journal
	fl.journal = tornJournal{inner}
	_, err = l.TryClaim(ctx, "w2")
	require.ErrorIs(t, err, ErrStorage)
	_, found, err := l.Get(ctx, "w2")
	require.NoError(t, err)
	require.False(t, found)

	fl.journal = inner
	ok, err = l.TryClaim(ctx, "w3")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Commit(ctx, "w3"))
	require.NoError(t, inner.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "state.journal.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var e journalEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e), line)
		require.NotEqual(t, "w2", e.ID)
	}
}

func TestFileLedgerKeepsRecordsWhenCompactionFails(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := newFakeClock()
	l, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "state"), ClaimTTL: time.Minute, Now: clock.Now}, logx.Nop())
	require.NoError(t, err)
	defer l.Close()

	for _, id := range []string{"p1", "p2"} {
		ok, err := l.TryClaim(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Commit(ctx, "p2"))

	// a directory where the snapshot temp file goes makes every compaction fail
	blocker := filepath.Join(dir, "state.snapshot.json.tmp")
	require.NoError(t, os.Mkdir(blocker, 0o700))

	_, err = l.Sweep(ctx, clock.Now().Add(time.Second))
	require.ErrorIs(t, err, ErrStorage)
	_, err = l.Prune(ctx, clock.Now().Add(time.Second))
	require.ErrorIs(t, err, ErrStorage)
	_, err = l.Reset(ctx)
	require.ErrorIs(t, err, ErrStorage)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Pending)
	require.Equal(t, 1, st.Committed)

	require.NoError(t, os.Remove(blocker))
	n, err := l.Sweep(ctx, clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, found, err := l.Get(ctx, "p1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestClosedFileLedger(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.TryClaim(ctx, "z")
	require.ErrorIs(t, err, ErrClosed)
}
