package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"crucible/internal/sim/engine"
	"crucible/internal/sim/epoch"
)

// SQLiteIndex is the queryable secondary index over epoch state and the
// battle log. Writes are absorbed by a single writer goroutine in batched
// transactions; the command path never waits on SQLite.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqEpoch reqKind = iota + 1
	reqBattle
)

type req struct {
	kind    reqKind
	epoch   engine.EpochSnapshot
	entries []epoch.BattleLogEntry
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy battle log; NORMAL is enough durability
	// for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS epochs (
			id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			preset TEXT NOT NULL,
			creator TEXT NOT NULL,
			participants INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			ended_at TEXT,
			snapshot_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_epochs_phase ON epochs(phase);`,
		`CREATE TABLE IF NOT EXISTS battle_log (
			epoch_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			cycle INTEGER NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT,
			target TEXT,
			message TEXT NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (epoch_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_battle_kind ON battle_log(epoch_id, kind, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

// Close drains pending writes, commits, and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped reports writes discarded because the queue was full.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

// UpsertEpoch records the current epoch snapshot. Non-blocking.
func (s *SQLiteIndex) UpsertEpoch(snap engine.EpochSnapshot) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEpoch, epoch: snap}:
	default:
		s.dropped.Add(1)
	}
}

// InsertBattleEntries records committed battle-log entries. Non-blocking;
// the JSONL logs remain the source of truth when the indexer falls behind.
func (s *SQLiteIndex) InsertBattleEntries(entries []epoch.BattleLogEntry) {
	if s == nil || s.closed.Load() || len(entries) == 0 {
		return
	}
	select {
	case s.ch <- req{kind: reqBattle, entries: entries}:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertEpoch, _ := s.db.Prepare(`INSERT OR REPLACE INTO epochs(id,phase,cycle,preset,creator,participants,created_at,ended_at,snapshot_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertBattle, _ := s.db.Prepare(`INSERT OR REPLACE INTO battle_log(epoch_id,seq,cycle,kind,actor,target,message,at) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if upsertEpoch != nil {
			_ = upsertEpoch.Close()
		}
		if insertBattle != nil {
			_ = insertBattle.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEpoch:
			snap := r.epoch
			raw, _ := json.Marshal(snap)
			endedAt := any(nil)
			if snap.EndedAt != nil {
				endedAt = snap.EndedAt.UTC().Format(time.RFC3339Nano)
			}
			if upsertEpoch != nil {
				if _, err := tx.Stmt(upsertEpoch).Exec(
					snap.ID,
					snap.Phase,
					snap.Cycle,
					snap.Preset,
					snap.CreatorID,
					len(snap.Participants),
					snap.CreatedAt.UTC().Format(time.RFC3339Nano),
					endedAt,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqBattle:
			for _, entry := range r.entries {
				if insertBattle == nil {
					break
				}
				if _, err := tx.Stmt(insertBattle).Exec(
					entry.EpochID,
					int64(entry.Seq),
					entry.Cycle,
					entry.Kind,
					entry.Actor,
					entry.Target,
					entry.Message,
					entry.At.UTC().Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					break
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

// EpochRow is one row of the epochs listing.
type EpochRow struct {
	ID           string
	Phase        string
	Cycle        int
	Preset       string
	Creator      string
	Participants int
	CreatedAt    string
	EndedAt      string
}

// Epochs lists indexed epochs, newest first.
func (s *SQLiteIndex) Epochs(ctx context.Context, limit int) ([]EpochRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,phase,cycle,preset,creator,participants,created_at,COALESCE(ended_at,'') FROM epochs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EpochRow
	for rows.Next() {
		var r EpochRow
		if err := rows.Scan(&r.ID, &r.Phase, &r.Cycle, &r.Preset, &r.Creator, &r.Participants, &r.CreatedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BattleEntries pages through an epoch's indexed battle log.
func (s *SQLiteIndex) BattleEntries(ctx context.Context, epochID string, afterSeq uint64, limit int) ([]epoch.BattleLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,cycle,kind,COALESCE(actor,''),COALESCE(target,''),message,at FROM battle_log WHERE epoch_id=? AND seq>? ORDER BY seq ASC LIMIT ?`,
		epochID, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []epoch.BattleLogEntry
	for rows.Next() {
		var (
			entry epoch.BattleLogEntry
			seq   int64
			at    string
		)
		if err := rows.Scan(&seq, &entry.Cycle, &entry.Kind, &entry.Actor, &entry.Target, &entry.Message, &at); err != nil {
			return nil, err
		}
		entry.Seq = uint64(seq)
		entry.EpochID = epochID
		entry.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, entry)
	}
	return out, rows.Err()
}
