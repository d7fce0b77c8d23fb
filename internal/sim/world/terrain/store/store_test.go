package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"voxelstream/internal/sim/voxel"
)

var testParams = voxel.Params{Size: 4, MaxHeight: 8}

type memStorage struct {
	mu      sync.Mutex
	saved   map[voxel.ChunkKey]*voxel.Chunk
	calls   []voxel.ChunkKey
	failing bool
}

func newMemStorage() *memStorage {
	return &memStorage{saved: map[voxel.ChunkKey]*voxel.Chunk{}}
}

func (m *memStorage) Load(c voxel.Coords2) (*voxel.Chunk, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.saved[c.Key()]
	if !ok {
		return nil, false, nil
	}
	out, err := voxel.FromPayload(ch.Snapshot(), testParams)
	return out, err == nil, err
}

func (m *memStorage) Save(c *voxel.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c.Key)
	if m.failing {
		return errors.New("disk full")
	}
	m.saved[c.Key] = c
	return nil
}

type flatGen struct {
	mu    sync.Mutex
	fail  map[voxel.ChunkKey]bool
	calls int
}

func (g *flatGen) Generate(c *voxel.Chunk) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail[c.Key] {
		return errors.New("generator exploded")
	}
	min := c.Min()
	for x := 0; x < c.Size(); x++ {
		for z := 0; z < c.Size(); z++ {
			_ = c.SetVoxel(voxel.Coords3{X: min.X + x, Y: 0, Z: min.Z + z}, 1)
		}
	}
	return nil
}

func newTestStore(t *testing.T, st Storage, gen Generator) *ChunkStore {
	t.Helper()
	s := NewChunkStore(Options{Params: testParams, Generator: gen, Storage: st, Workers: 2})
	t.Cleanup(s.Close)
	return s
}

func TestEvictSavesOldestBeforeRemoval(t *testing.T) {
	st := newMemStorage()
	s := newTestStore(t, st, &flatGen{})
	const n = 3
	for i := 0; i <= n; i++ {
		if _, err := s.LoadOrGenerate(voxel.Coords2{X: i, Z: 0}); err != nil {
			t.Fatal(err)
		}
	}
	oldest, _ := s.Get(voxel.Coords2{X: 0, Z: 0})
	oldest.NeedsSaving = true

	evicted, err := s.EvictIfOverCapacity(n)
	if err != nil || evicted != 1 {
		t.Fatalf("evicted=%d err=%v", evicted, err)
	}
	if s.Len() != n {
		t.Fatalf("len=%d want %d", s.Len(), n)
	}
	if diff := cmp.Diff([]voxel.ChunkKey{"0|0"}, st.calls); diff != "" {
		t.Fatalf("save calls (-want +got):\n%s", diff)
	}
	if _, ok := s.Get(voxel.Coords2{X: 0, Z: 0}); ok {
		t.Fatalf("oldest chunk still loaded")
	}
	if !oldest.Disposed() {
		t.Fatalf("evicted chunk not disposed")
	}
}

func TestEvictStopsWhenSaveFails(t *testing.T) {
	st := newMemStorage()
	st.failing = true
	s := newTestStore(t, st, &flatGen{})
	for i := 0; i < 3; i++ {
		ch, _ := s.LoadOrGenerate(voxel.Coords2{X: i, Z: 0})
		ch.NeedsSaving = true
	}
	if _, err := s.EvictIfOverCapacity(1); err == nil {
		t.Fatalf("expected save error")
	}
	if s.Len() != 3 {
		t.Fatalf("chunks dropped despite failed save: len=%d", s.Len())
	}
	ch, _ := s.Get(voxel.Coords2{X: 0, Z: 0})
	if !ch.NeedsSaving {
		t.Fatalf("failed save cleared NeedsSaving")
	}
}

func TestInsertionOrderIsNotRefreshedByAccess(t *testing.T) {
	s := newTestStore(t, nil, &flatGen{})
	for i := 0; i < 3; i++ {
		_, _ = s.LoadOrGenerate(voxel.Coords2{X: i, Z: 0})
	}
	_, _ = s.LoadOrGenerate(voxel.Coords2{X: 0, Z: 0})
	_, _ = s.Get(voxel.Coords2{X: 0, Z: 0})
	if _, err := s.EvictIfOverCapacity(2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]voxel.ChunkKey{"1|0", "2|0"}, s.Keys()); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
}

func TestLoadOrGeneratePrefersStorage(t *testing.T) {
	st := newMemStorage()
	stored := voxel.NewChunk(voxel.Coords2{X: 5, Z: 5}, testParams)
	_ = stored.SetVoxel(voxel.Coords3{X: 20, Y: 3, Z: 21}, 7)
	st.saved[stored.Key] = stored

	gen := &flatGen{}
	s := newTestStore(t, st, gen)
	ch, err := s.LoadOrGenerate(voxel.Coords2{X: 5, Z: 5})
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := ch.Voxel(voxel.Coords3{X: 20, Y: 3, Z: 21}); id != 7 {
		t.Fatalf("voxel=%d want 7", id)
	}
	if gen.calls != 0 {
		t.Fatalf("generator ran for a stored chunk")
	}
	again, _ := s.LoadOrGenerate(voxel.Coords2{X: 5, Z: 5})
	if again != ch {
		t.Fatalf("second load returned a different instance")
	}
}

func TestNeighborsOmitsUnloaded(t *testing.T) {
	s := newTestStore(t, nil, &flatGen{})
	for _, c := range []voxel.Coords2{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: -1, Z: -1}, {X: 2, Z: 0}} {
		_, _ = s.LoadOrGenerate(c)
	}
	got := s.Neighbors(voxel.Coords2{X: 0, Z: 0})
	var keys []voxel.ChunkKey
	for _, ch := range got {
		keys = append(keys, ch.Key)
	}
	if diff := cmp.Diff([]voxel.ChunkKey{"-1|-1", "1|0"}, keys); diff != "" {
		t.Fatalf("neighbors (-want +got):\n%s", diff)
	}
}

func drainUntil(t *testing.T, s *ChunkStore, c voxel.Coords2) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Drain(8)
		if _, ok := s.Get(c); ok {
			return
		}
		if !s.Pending(c) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("chunk %s never resolved", c)
}

func TestAsyncRequestDrainAndDecorate(t *testing.T) {
	s := newTestStore(t, nil, &flatGen{})
	c := voxel.Coords2{X: 3, Z: -4}
	if !s.Request(c) {
		t.Fatalf("first request rejected")
	}
	if s.Request(c) {
		t.Fatalf("duplicate request accepted")
	}
	drainUntil(t, s, c)
	ch, ok := s.Get(c)
	if !ok {
		t.Fatalf("chunk not installed")
	}
	if !ch.NeedsDecoration {
		t.Fatalf("drained chunk should await decoration")
	}
	if n := s.Decorate(4); n != 1 {
		t.Fatalf("decorated %d want 1", n)
	}
	if ch.NeedsDecoration || ch.NeedsPropagation {
		t.Fatalf("flags not cleared after decoration")
	}
	if s.Request(c) {
		t.Fatalf("request for a loaded chunk accepted")
	}
}

func TestGenerationFailureIsRetryable(t *testing.T) {
	c := voxel.Coords2{X: 9, Z: 9}
	gen := &flatGen{fail: map[voxel.ChunkKey]bool{c.Key(): true}}
	s := newTestStore(t, nil, gen)

	if !s.Request(c) {
		t.Fatalf("request rejected")
	}
	drainUntil(t, s, c)
	if _, ok := s.Get(c); ok {
		t.Fatalf("failed chunk installed")
	}
	if s.Pending(c) {
		t.Fatalf("failed job still pending")
	}

	gen.mu.Lock()
	gen.fail = nil
	gen.mu.Unlock()
	if !s.Request(c) {
		t.Fatalf("retry rejected")
	}
	drainUntil(t, s, c)
	if _, ok := s.Get(c); !ok {
		t.Fatalf("retry did not install chunk")
	}
}

func TestSaveDirtyBudgetAndObserver(t *testing.T) {
	st := newMemStorage()
	var observed []voxel.ChunkKey
	s := NewChunkStore(Options{
		Params: testParams, Generator: &flatGen{}, Storage: st,
		Observer: func(c *voxel.Chunk) { observed = append(observed, c.Key) },
	})
	defer s.Close()
	for i := 0; i < 4; i++ {
		ch, _ := s.LoadOrGenerate(voxel.Coords2{X: 0, Z: i})
		ch.NeedsSaving = true
	}
	saved, err := s.SaveDirty(3)
	if err != nil || saved != 3 {
		t.Fatalf("saved=%d err=%v", saved, err)
	}
	if diff := cmp.Diff([]voxel.ChunkKey{"0|0", "0|1", "0|2"}, observed); diff != "" {
		t.Fatalf("observer (-want +got):\n%s", diff)
	}
	last, _ := s.Get(voxel.Coords2{X: 0, Z: 3})
	if !last.NeedsSaving {
		t.Fatalf("budget exceeded")
	}
}

func TestPreloadRadius(t *testing.T) {
	s := newTestStore(t, nil, &flatGen{})
	n, err := s.Preload(2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 13 || s.Len() != 13 {
		t.Fatalf("preloaded %d, len %d; want 13", n, s.Len())
	}
	for _, k := range s.Keys() {
		ch, _ := s.GetByKey(k)
		if ch.NeedsDecoration {
			t.Fatalf("preloaded chunk %s not decorated", k)
		}
	}
}
