package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream/internal/sim/multiworld"
	"voxelstream/internal/sim/tuning"
	"voxelstream/internal/transport/ws"
)

func startAuthority(t *testing.T) string {
	t.Helper()
	cfg := multiworld.Config{Worlds: []multiworld.WorldSpec{
		{Name: "terra", ChunkSize: 4, MaxHeight: 16, RenderRadius: 3, Generation: "flat", BaseHeight: 4},
	}}
	cfg.Normalize()
	m, err := multiworld.Build(cfg, multiworld.Options{
		DataDir:      t.TempDir(),
		Tuning:       tuning.Defaults(),
		DisableIndex: true,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.NewServer(m, 256, quietLogger()).Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestClientReachesWorldReady(t *testing.T) {
	url := startAuthority(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Dial(ctx, ClientOptions{
		URL:  url,
		Name: "bot",
		Scheduler: Options{
			ChunkSize:     4,
			MaxHeight:     16,
			RenderRadius:  2,
			RequestRadius: 3,
		},
		FramePeriod: 5 * time.Millisecond,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if c.ID == "" || c.Spawn[1] != 5 || len(c.Passable) == 0 {
		t.Fatalf("init not applied: id=%q spawn=%v passable=%d", c.ID, c.Spawn, len(c.Passable))
	}

	err = c.Run(ctx, func(frame int) mgl32.Vec3 {
		if c.Scheduler().Ready() {
			cancel()
		}
		return c.Spawn
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !c.Scheduler().Ready() {
		t.Fatalf("world never became ready: loaded=%d", c.Scheduler().Loaded())
	}
	if c.Scheduler().Loaded() < 13 {
		t.Fatalf("loaded=%d", c.Scheduler().Loaded())
	}
}
