package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"voxelstream/internal/sim/multiworld"
	"voxelstream/internal/sim/tuning"
	"voxelstream/internal/sim/world"
	"voxelstream/internal/transport/ws"
)

func testMux(t *testing.T) *http.ServeMux {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := multiworld.Config{Worlds: []multiworld.WorldSpec{
		{Name: "terra", ChunkSize: 4, MaxHeight: 16, Preload: 1, Generation: "flat", BaseHeight: 4},
		{Name: "moon", ChunkSize: 4, MaxHeight: 16, Generation: "hilly"},
	}}
	cfg.Normalize()
	mgr, err := multiworld.Build(cfg, multiworld.Options{
		DataDir: t.TempDir(),
		Tuning:  tuning.Defaults(),
		Logger:  log,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return buildMux(mgr, ws.NewServer(mgr, 64, log), log)
}

func get(mux *http.ServeMux, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestMetricsListWorldsAndTransport(t *testing.T) {
	mux := testMux(t)
	rec := get(mux, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`voxelstream_world_loaded_chunks{world="terra"} 5`,
		`voxelstream_world_peers{world="moon"} 0`,
		`# TYPE voxelstream_world_updates_applied_total counter`,
		`voxelstream_index_dropped_total{world="terra"} 0`,
		`voxelstream_ws_connections 0`,
		`voxelstream_ws_malformed_total 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestWorldsEndpoints(t *testing.T) {
	mux := testMux(t)

	rec := get(mux, "/worlds", "")
	var list struct {
		Default string       `json:"default"`
		Worlds  []world.Info `json:"worlds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode /worlds: %v", err)
	}
	if list.Default != "terra" || len(list.Worlds) != 2 || list.Worlds[0].Name != "moon" {
		t.Fatalf("worlds=%+v", list)
	}

	rec = get(mux, "/worlds/terra", "")
	var info world.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode /worlds/terra: %v", err)
	}
	if info.Name != "terra" || info.LoadedChunks != 5 {
		t.Fatalf("info=%+v", info)
	}

	if rec := get(mux, "/worlds/mars", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown world status=%d", rec.Code)
	}
}

func TestAdminSavesIsLoopbackOnly(t *testing.T) {
	mux := testMux(t)
	if rec := get(mux, "/admin/v1/worlds/terra/saves", "203.0.113.7:4000"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rec.Code)
	}
	rec := get(mux, "/admin/v1/worlds/terra/saves?limit=5", "127.0.0.1:4000")
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := get(mux, "/admin/v1/worlds/terra/audit", "[::1]:4000"); rec.Code != http.StatusOK {
		t.Fatalf("audit status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := get(mux, "/admin/v1/worlds/terra/other", "[::1]:4000"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown admin path status=%d", rec.Code)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80":  true,
		"[::1]:80":      true,
		"10.0.0.2:80":   false,
		"not-an-ip":     false,
		"127.0.0.5":     true,
		"[2001:db8::1]": false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}
