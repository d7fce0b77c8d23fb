package viewer

import (
	"io"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

var testParams = voxel.Params{Size: 4, MaxHeight: 8}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recorder struct{ sent []voxel.Coords2 }

func (r *recorder) send(m protocol.Message) error {
	req, err := protocol.DecodeJSON[protocol.RequestPayload](m)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, voxel.Coords2{X: int(req.X), Z: int(req.Z)})
	return nil
}

func newScheduler(opts Options) (*Scheduler, *recorder) {
	opts.ChunkSize = testParams.Size
	opts.MaxHeight = testParams.MaxHeight
	r := &recorder{}
	return NewScheduler(opts, r.send, nil, quietLogger()), r
}

func payload(x, z int) protocol.ChunkPayload {
	return voxel.NewChunk(voxel.Coords2{X: x, Z: z}, testParams).Snapshot()
}

// at returns the world position at the centre of chunk (cx, cz).
func at(cx, cz int) mgl32.Vec3 {
	s := float32(testParams.Size)
	return mgl32.Vec3{float32(cx)*s + s/2, 1, float32(cz)*s + s/2}
}

func TestSurroundChunksIsCircular(t *testing.T) {
	got := SurroundChunks(voxel.Coords2{}, 2)
	if len(got) != 13 {
		t.Fatalf("radius 2 yields %d coords, want 13", len(got))
	}
	if got[0] != (voxel.Coords2{}) {
		t.Fatalf("nearest first: %v", got[0])
	}
	seen := map[voxel.Coords2]bool{}
	for _, c := range got {
		if seen[c] {
			t.Fatalf("duplicate %v", c)
		}
		seen[c] = true
	}
	if seen[voxel.Coords2{X: 2, Z: 1}] {
		t.Fatalf("corner outside the circle included")
	}
	if n := len(SurroundChunks(voxel.Coords2{X: 5, Z: 5}, 0)); n != 1 {
		t.Fatalf("radius 0 yields %d", n)
	}
}

func TestRequestBudgetWithoutDuplicates(t *testing.T) {
	s, r := newScheduler(Options{RenderRadius: 2, RequestRadius: 2, MaxRequestsPerFrame: 3})
	st, err := s.Update(at(0, 0))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if st.Requested != 3 {
		t.Fatalf("first frame requested %d", st.Requested)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.Update(at(0, 0)); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if len(r.sent) != 13 {
		t.Fatalf("sent %d requests, want 13", len(r.sent))
	}
	seen := map[voxel.Coords2]bool{}
	for _, c := range r.sent {
		if seen[c] {
			t.Fatalf("requested %v twice", c)
		}
		seen[c] = true
	}
	if r.sent[0] != (voxel.Coords2{}) {
		t.Fatalf("origin not requested first: %v", r.sent[0])
	}
	if s.Requested() != 13 {
		t.Fatalf("requested set=%d", s.Requested())
	}
}

func TestProcessBudgetAndWorldReady(t *testing.T) {
	s, _ := newScheduler(Options{RenderRadius: 1, RequestRadius: 1, MaxProcessPerFrame: 2})
	var loads []protocol.ChunkPayload
	for _, c := range SurroundChunks(voxel.Coords2{}, 1) {
		loads = append(loads, payload(c.X, c.Z))
	}
	s.OnLoad(loads)

	st, _ := s.Update(at(0, 0))
	if st.Processed != 2 || s.Loaded() != 2 || s.Ready() {
		t.Fatalf("frame 1: stats=%+v loaded=%d ready=%v", st, s.Loaded(), s.Ready())
	}
	s.Update(at(0, 0))
	s.Update(at(0, 0))
	if s.Loaded() != 5 || !s.Ready() {
		t.Fatalf("loaded=%d ready=%v", s.Loaded(), s.Ready())
	}
	if s.Requested() != 0 {
		t.Fatalf("received chunks still marked requested: %d", s.Requested())
	}
	lc, _ := s.Chunk(voxel.Coords2{})
	if lc.Dirty || !lc.HasMesh {
		t.Fatalf("loaded chunk not meshed")
	}
}

func TestFarChunksHiddenThenDisposedOnce(t *testing.T) {
	// size 4: hidden beyond ~5.7 voxels, disposed beyond ~11.3.
	s, _ := newScheduler(Options{RenderRadius: 1, RequestRadius: 2, MaxProcessPerFrame: 10})
	s.OnLoad([]protocol.ChunkPayload{payload(0, 0), payload(3, 0)})
	s.Update(at(1, 0))
	far, _ := s.Chunk(voxel.Coords2{X: 3})
	if far.Visible {
		t.Fatalf("chunk beyond render distance is visible")
	}
	near, _ := s.Chunk(voxel.Coords2{})
	if !near.Visible {
		t.Fatalf("nearby chunk hidden")
	}

	st, _ := s.Update(at(3, 0))
	if st.Disposed != 1 {
		t.Fatalf("disposed=%d want 1", st.Disposed)
	}
	if !near.Disposed() {
		t.Fatalf("origin chunk not disposed")
	}
	if _, ok := s.Chunk(voxel.Coords2{}); ok {
		t.Fatalf("disposed chunk still mapped")
	}
	st, _ = s.Update(at(3, 0))
	if st.Disposed != 0 {
		t.Fatalf("second frame disposed %d", st.Disposed)
	}
	if !far.Visible {
		t.Fatalf("chunk now under the viewer stays hidden")
	}
}

func TestRadiusOneNeighbourStaysOffCentre(t *testing.T) {
	s, r := newScheduler(Options{RenderRadius: 1, RequestRadius: 1, MaxRequestsPerFrame: 10, MaxProcessPerFrame: 10})
	vp := mgl32.Vec3{0.1, 4, 0.1}
	s.Update(vp)
	s.OnLoad([]protocol.ChunkPayload{payload(1, 0)})
	for i := 0; i < 3; i++ {
		st, _ := s.Update(vp)
		if st.Disposed != 0 || st.Hidden != 0 {
			t.Fatalf("frame %d: stats=%+v", i, st)
		}
	}
	lc, ok := s.Chunk(voxel.Coords2{X: 1})
	if !ok || !lc.Visible {
		t.Fatalf("chunk 1|0 present=%v", ok)
	}
	n := 0
	for _, c := range r.sent {
		if c == (voxel.Coords2{X: 1}) {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("chunk 1|0 requested %d times", n)
	}
}

func TestVoxelDeltaRemeshesNeighbours(t *testing.T) {
	s, _ := newScheduler(Options{RenderRadius: 2, RequestRadius: 2, MaxProcessPerFrame: 10})
	s.OnLoad([]protocol.ChunkPayload{payload(0, 0), payload(1, 0)})
	s.Update(at(0, 0))

	s.OnVoxelDelta([]protocol.VoxelUpdate{{VX: 3, VY: 2, VZ: 1, Type: 1}, {VX: 400, VY: 2, VZ: 1, Type: 1}})
	st, _ := s.Update(at(0, 0))
	if st.Remeshed != 2 {
		t.Fatalf("remeshed=%d want 2", st.Remeshed)
	}
	lc, _ := s.Chunk(voxel.Coords2{})
	if id, err := lc.Voxel(voxel.Coords3{X: 3, Y: 2, Z: 1}); err != nil || id != 1 {
		t.Fatalf("voxel=%d err=%v", id, err)
	}
}

func TestUpdateWithoutVoxelsOnlyTouchesHeldChunks(t *testing.T) {
	s, _ := newScheduler(Options{RenderRadius: 2, RequestRadius: 2, MaxProcessPerFrame: 10})
	s.OnLoad([]protocol.ChunkPayload{payload(0, 0)})
	s.Update(at(0, 0))

	s.OnUpdate([]protocol.ChunkPayload{{X: 0, Z: 0}, {X: 1, Z: 0}})
	st, _ := s.Update(at(0, 0))
	if st.Processed != 1 || st.Remeshed != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if _, ok := s.Chunk(voxel.Coords2{X: 1}); ok {
		t.Fatalf("empty payload materialized a chunk")
	}
}

func TestMovingAwayDropsStaleRequests(t *testing.T) {
	s, r := newScheduler(Options{RenderRadius: 1, RequestRadius: 1, MaxRequestsPerFrame: 10})
	s.Update(at(0, 0))
	if s.Requested() != 5 {
		t.Fatalf("requested=%d", s.Requested())
	}
	s.Update(at(20, 0))
	if s.Requested() != 5 {
		t.Fatalf("requested after move=%d", s.Requested())
	}
	got := map[voxel.Coords2]bool{}
	for _, c := range r.sent[5:] {
		got[c] = true
	}
	want := map[voxel.Coords2]bool{{X: 20}: true, {X: 19}: true, {X: 21}: true, {X: 20, Z: -1}: true, {X: 20, Z: 1}: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("requests after move (-want +got):\n%s", diff)
	}
}
