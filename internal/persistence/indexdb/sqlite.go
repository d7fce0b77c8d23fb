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

	"voxelstream/internal/sim/catalogs"
	"voxelstream/internal/sim/voxel"
	"voxelstream/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index of one world: when each chunk was last
// saved, and every accepted voxel edit. Writes are queued and applied by one goroutine;
// chunk files and the audit JSONL stay the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

// commitMaxWait bounds how long a written row stays in an open transaction.
var commitMaxWait = 2 * time.Second

type reqKind int

const (
	reqChunkSave reqKind = iota + 1
	reqAudit
	reqSync
)

type req struct {
	kind reqKind

	save  chunkSaveRow
	audit world.AuditEntry
	done  chan struct{}
}

type chunkSaveRow struct {
	Key     string
	CX, CZ  int
	SavedAt string
}

// ChunkSave is one row of the chunk_saves table.
type ChunkSave struct {
	Key       string
	CX, CZ    int
	SaveCount int
	SavedAt   time.Time
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
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunk_saves (
			chunk_key TEXT PRIMARY KEY,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			save_count INTEGER NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_saves_pos ON chunk_saves(cx, cz);`,
		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			actor TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_block INTEGER NOT NULL,
			to_block INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor ON audits(actor, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos ON audits(x, z, y);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

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

// Dropped counts writes discarded because the queue was full.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

// RecordChunkSave is a store.SaveObserver.
func (s *SQLiteIndex) RecordChunkSave(c *voxel.Chunk) {
	s.enqueue(req{kind: reqChunkSave, save: chunkSaveRow{
		Key:     string(c.Key),
		CX:      c.Coords.X,
		CZ:      c.Coords.Z,
		SavedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

func (s *SQLiteIndex) WriteAudit(entry world.AuditEntry) error {
	s.enqueue(req{kind: reqAudit, audit: entry})
	return nil
}

// Sync waits until every write queued before it has been committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) UpsertBlocks(blocks *catalogs.Blocks) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	palette, err := json.Marshal(blocks.Palette)
	if err != nil {
		return err
	}
	defs, err := json.Marshal(blocks.Defs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if _, err := stmt.Exec("blocks_palette", blocks.PaletteDigest, string(palette), now); err != nil {
		return err
	}
	if _, err := stmt.Exec("blocks_defs", blocks.DefsDigest, string(defs), now); err != nil {
		return err
	}
	return tx.Commit()
}

// ChunkSaves lists saved chunks, most recent first.
func (s *SQLiteIndex) ChunkSaves(ctx context.Context, limit int) ([]ChunkSave, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_key,cx,cz,save_count,saved_at FROM chunk_saves ORDER BY saved_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkSave
	for rows.Next() {
		var r ChunkSave
		var at string
		if err := rows.Scan(&r.Key, &r.CX, &r.CZ, &r.SaveCount, &at); err != nil {
			return nil, err
		}
		r.SavedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) AuditCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audits`).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertSave, _ := s.db.Prepare(`INSERT INTO chunk_saves(chunk_key,cx,cz,save_count,saved_at) VALUES(?,?,?,1,?)
		ON CONFLICT(chunk_key) DO UPDATE SET save_count=save_count+1, saved_at=excluded.saved_at`)
	insertAudit, _ := s.db.Prepare(`INSERT INTO audits(at,actor,x,y,z,from_block,to_block,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if upsertSave != nil {
			_ = upsertSave.Close()
		}
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		lastCommit  = time.Now()
		commitEvery = 2000
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

	handle := func(r req) {
		if r.kind == reqSync {
			commit()
			close(r.done)
			return
		}
		begin()
		if tx == nil {
			return
		}
		switch r.kind {
		case reqChunkSave:
			sv := r.save
			if upsertSave != nil {
				if _, err := tx.Stmt(upsertSave).Exec(sv.Key, sv.CX, sv.CZ, sv.SavedAt); err != nil {
					rollback()
					return
				}
				opCount++
			}
		case reqAudit:
			a := r.audit
			raw, _ := json.Marshal(a)
			if insertAudit != nil {
				if _, err := tx.Stmt(insertAudit).Exec(
					a.At.UTC().Format(time.RFC3339Nano),
					a.Actor,
					a.Pos[0], a.Pos[1], a.Pos[2],
					int64(a.From),
					int64(a.To),
					string(raw),
				); err != nil {
					rollback()
					return
				}
				opCount++
			}
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Idle flush: the tail of a burst is committed without waiting for another write.
	tick := time.NewTicker(commitMaxWait)
	defer tick.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			handle(r)
		case <-tick.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}
