package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"voxelstream/internal/sim/catalogs"
	"voxelstream/internal/sim/voxel"
	"voxelstream/internal/sim/world"
)

func TestChunkSavesAndAudits(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	if err := idx.UpsertBlocks(catalogs.Default()); err != nil {
		t.Fatalf("upsert blocks: %v", err)
	}

	p := voxel.Params{Size: 4, MaxHeight: 8}
	a := voxel.NewChunk(voxel.Coords2{X: 1, Z: -2}, p)
	b := voxel.NewChunk(voxel.Coords2{X: 0, Z: 0}, p)
	idx.RecordChunkSave(a)
	idx.RecordChunkSave(b)
	idx.RecordChunkSave(a)
	_ = idx.WriteAudit(world.AuditEntry{At: time.Now(), Actor: "p1", Pos: [3]int{1, 2, 3}, From: 0, To: 4})

	ctx := context.Background()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	saves, err := idx.ChunkSaves(ctx, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(saves) != 2 {
		t.Fatalf("got %d rows want 2", len(saves))
	}
	counts := map[string]int{}
	for _, s := range saves {
		counts[s.Key] = s.SaveCount
	}
	if counts["1|-2"] != 2 || counts["0|0"] != 1 {
		t.Fatalf("unexpected save counts: %v", counts)
	}
	n, err := idx.AuditCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("audits=%d err=%v", n, err)
	}
}

func TestIdleWritesCommitWithoutSync(t *testing.T) {
	prev := commitMaxWait
	commitMaxWait = 20 * time.Millisecond
	defer func() { commitMaxWait = prev }()

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()
	if err := idx.WriteAudit(world.AuditEntry{At: time.Now(), Actor: "p1", To: 4}); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		n, err := idx.AuditCount(ctx)
		cancel()
		if err == nil && n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("audit row never committed without Sync")
}
