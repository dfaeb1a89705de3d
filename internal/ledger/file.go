package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "mailrelay/pkg/logx"
)

// fileLedger keeps the ledger in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal, last write per id wins)
//
// The journal is compacted into the snapshot every compactEvery writes.
// Commits are fsynced; claims and releases are not, since losing one only
// re-opens a message for delivery.
type fileLedger struct {
	log logx.Logger
	ttl time.Duration
	now func() time.Time

	mu           sync.Mutex
	snapshotPath string
	journal      journalFile
	records      map[string]fileRecord
	writes       int
	compactEvery int
}

// journalFile is the append side of the journal; *os.File in production.
type journalFile interface {
	io.WriteCloser
	io.Seeker
	Sync() error
	Truncate(size int64) error
}

type fileRecord struct {
	ClaimedAt   int64 `json:"claimed_at"`
	Committed   bool  `json:"committed,omitempty"`
	CommittedAt int64 `json:"committed_at,omitempty"`
}

type journalEntry struct {
	ID      string      `json:"id"`
	Deleted bool        `json:"deleted,omitempty"`
	Record  *fileRecord `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (*fileLedger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	records := map[string]fileRecord{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, storageErr("load snapshot", err)
	}
	if err := replayJournal(journalPath, records, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, storageErr("replay journal", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := trimTornTail(jf); err != nil {
		_ = jf.Close()
		return nil, storageErr("repair journal", err)
	}
	return &fileLedger{
		log:          log,
		ttl:          cfg.ClaimTTL,
		now:          cfg.Now,
		snapshotPath: snapPath,
		journal:      jf,
		records:      records,
		compactEvery: 1000,
	}, nil
}

func (l *fileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil
	}
	err := l.compactLocked(l.records)
	if cerr := l.journal.Close(); err == nil {
		err = cerr
	}
	l.journal = nil
	return err
}

// appendLocked journals one change and applies it to memory only after the
// write succeeded. A failed write is cut back off the journal so the next
// entry starts on a fresh line.
func (l *fileLedger) appendLocked(e journalEntry, sync bool) error {
	if l.journal == nil {
		return ErrClosed
	}
	line, err := json.Marshal(e)
	if err != nil {
		return storageErr("journal encode", err)
	}
	line = append(line, '\n')
	off, err := l.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return storageErr("journal seek", err)
	}
	if _, err := l.journal.Write(line); err != nil {
		if terr := l.journal.Truncate(off); terr != nil {
			l.log.Error("ledger journal left with a partial line", logx.Err(terr))
		}
		return storageErr("journal write", err)
	}
	if sync {
		if err := l.journal.Sync(); err != nil {
			return storageErr("journal sync", err)
		}
	}
	if e.Deleted {
		delete(l.records, e.ID)
	} else {
		l.records[e.ID] = *e.Record
	}
	l.writes++
	if l.writes%l.compactEvery == 0 {
		if err := l.compactLocked(l.records); err != nil {
			l.log.Warn("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (l *fileLedger) TryClaim(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if rec, ok := l.records[id]; ok {
		if rec.Committed || rec.ClaimedAt > claimCutoff(now, l.ttl) {
			return false, nil
		}
	}
	err := l.appendLocked(journalEntry{ID: id, Record: &fileRecord{ClaimedAt: now.UnixMilli()}}, false)
	return err == nil, err
}

func (l *fileLedger) Commit(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	if rec.Committed {
		return nil
	}
	rec.Committed = true
	rec.CommittedAt = l.now().UnixMilli()
	return l.appendLocked(journalEntry{ID: id, Record: &rec}, true)
}

func (l *fileLedger) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok || rec.Committed {
		return nil
	}
	return l.appendLocked(journalEntry{ID: id, Deleted: true}, false)
}

func (l *fileLedger) Get(_ context.Context, id string) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return Record{}, false, nil
	}
	return rec.toRecord(id), true, nil
}

func (r fileRecord) toRecord(id string) Record {
	return Record{
		MessageID:   id,
		ClaimedAt:   fromMillis(r.ClaimedAt),
		Committed:   r.Committed,
		CommittedAt: fromMillis(r.CommittedAt),
	}
}

func (l *fileLedger) Sweep(_ context.Context, claimedBefore time.Time) (int, error) {
	cut := claimedBefore.UnixMilli()
	return l.removeWhere(func(r fileRecord) bool { return !r.Committed && r.ClaimedAt <= cut })
}

func (l *fileLedger) Prune(_ context.Context, committedBefore time.Time) (int, error) {
	cut := committedBefore.UnixMilli()
	return l.removeWhere(func(r fileRecord) bool { return r.Committed && r.CommittedAt < cut })
}

func (l *fileLedger) Reset(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return 0, ErrClosed
	}
	n := len(l.records)
	empty := map[string]fileRecord{}
	if err := l.compactLocked(empty); err != nil {
		return 0, storageErr("reset", err)
	}
	l.records = empty
	return n, nil
}

func (l *fileLedger) removeWhere(match func(fileRecord) bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return 0, ErrClosed
	}
	next := maps.Clone(l.records)
	maps.DeleteFunc(next, func(_ string, r fileRecord) bool { return match(r) })
	n := len(l.records) - len(next)
	if n == 0 {
		return 0, nil
	}
	// bulk removals go straight to a new snapshot; memory follows only once
	// it is on disk
	if err := l.compactLocked(next); err != nil {
		return 0, storageErr("compact", err)
	}
	l.records = next
	return n, nil
}

func (l *fileLedger) Stats(_ context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var st Stats
	for _, r := range l.records {
		if r.Committed {
			st.Committed++
			if t := fromMillis(r.CommittedAt); t.After(st.LastCommitted) {
				st.LastCommitted = t
			}
			continue
		}
		st.Pending++
		if t := fromMillis(r.ClaimedAt); st.OldestPending.IsZero() || t.Before(st.OldestPending) {
			st.OldestPending = t
		}
	}
	return st, nil
}

// compactLocked writes records as the snapshot atomically, then truncates
// the journal.
func (l *fileLedger) compactLocked(records map[string]fileRecord) error {
	tmp := l.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		return err
	}
	if err := l.journal.Truncate(0); err != nil {
		return err
	}
	_, err = l.journal.Seek(0, io.SeekEnd)
	return err
}

// trimTornTail cuts a trailing line without its newline off the journal, so
// the next append does not run into it.
func trimTornTail(f *os.File) error {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil || size == 0 {
		return err
	}
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		b := buf[:n]
		if end == size && len(b) > 0 && b[len(b)-1] == '\n' {
			return nil
		}
		if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
			return f.Truncate(start + int64(i) + 1)
		}
		end = start
	}
	return f.Truncate(0)
}

func loadSnapshot(path string, out map[string]fileRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]fileRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]fileRecord, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	bad := 0
	for s.Scan() {
		var e journalEntry
		if err := json.Unmarshal(s.Bytes(), &e); err != nil || e.ID == "" {
			// a torn final line after a crash
			bad++
			continue
		}
		if e.Deleted || e.Record == nil {
			delete(out, e.ID)
			continue
		}
		out[e.ID] = *e.Record
	}
	if bad > 0 {
		log.Warn("ledger journal had unreadable lines", logx.Int("lines", bad), logx.String("path", path))
	}
	return s.Err()
}
