package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	persistlog "voxelstream/internal/persistence/log"
	"voxelstream/internal/sim/multiworld"
	"voxelstream/internal/transport/ws"
)

func buildMux(mgr *multiworld.Manager, wsSrv *ws.Server, log logrus.FieldLogger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		writeMetrics(rw, mgr, wsSrv)
	})
	mux.HandleFunc("/worlds", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{
			"default": mgr.Default().Name(),
			"worlds":  mgr.List(),
		})
	})
	mux.HandleFunc("/worlds/", func(rw http.ResponseWriter, r *http.Request) {
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/worlds/"), "/")
		w, ok := mgr.Get(name)
		if name == "" || !ok {
			http.Error(rw, "world not found", http.StatusNotFound)
			return
		}
		writeJSON(rw, http.StatusOK, w.Info())
	})

	// Pattern: /admin/v1/worlds/{name}/{saves|audit}?limit=N
	mux.HandleFunc("/admin/v1/worlds/", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/v1/worlds/"), "/"), "/")
		if len(parts) != 2 || (parts[1] != "saves" && parts[1] != "audit") {
			http.NotFound(rw, r)
			return
		}
		name := parts[0]
		rt, ok := mgr.Runtime(name)
		if !ok {
			http.Error(rw, "world not found", http.StatusNotFound)
			return
		}
		limit := 50
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			limit = v
		}
		fields := logrus.Fields{"world": name, "query": parts[1]}

		if parts[1] == "audit" {
			if err := rt.Audit.Flush(); err != nil {
				log.WithError(err).WithFields(fields).Warn("audit flush")
			}
			entries, err := persistlog.Tail(rt.Audit.Dir(), limit)
			if err != nil {
				log.WithError(err).WithFields(fields).Warn("admin query")
				writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "world": name, "entries": entries})
			return
		}

		if rt.Index == nil {
			http.Error(rw, "index disabled", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		saves, err := rt.Index.ChunkSaves(ctx, limit)
		if err != nil {
			log.WithError(err).WithFields(fields).Warn("admin query")
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "world": name, "saves": saves})
	})

	if envBool("VOXEL_ENABLE_PPROF", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		log.Debug("pprof endpoints disabled (VOXEL_ENABLE_PPROF=false)")
	}

	mux.HandleFunc("/ws", wsSrv.Handler())
	return mux
}

func writeMetrics(rw http.ResponseWriter, mgr *multiworld.Manager, wsSrv *ws.Server) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	infos := mgr.List()

	gauge := func(name, help string) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
	}
	counter := func(name, help string) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
	}

	gauge("voxelstream_world_time", "World clock in ticks.")
	for _, in := range infos {
		fmt.Fprintf(rw, "voxelstream_world_time{world=%q} %.3f\n", in.Name, in.Time)
	}
	gauge("voxelstream_world_peers", "Connected viewers.")
	for _, in := range infos {
		fmt.Fprintf(rw, "voxelstream_world_peers{world=%q} %d\n", in.Name, in.Peers)
	}
	gauge("voxelstream_world_loaded_chunks", "Loaded chunk count.")
	for _, in := range infos {
		fmt.Fprintf(rw, "voxelstream_world_loaded_chunks{world=%q} %d\n", in.Name, in.LoadedChunks)
	}
	counter("voxelstream_world_updates_applied_total", "Voxel updates accepted.")
	for _, in := range infos {
		fmt.Fprintf(rw, "voxelstream_world_updates_applied_total{world=%q} %d\n", in.Name, in.UpdatesApplied)
	}
	counter("voxelstream_world_frames_dropped_total", "Frames that did not fit a peer buffer.")
	for _, in := range infos {
		fmt.Fprintf(rw, "voxelstream_world_frames_dropped_total{world=%q} %d\n", in.Name, in.FramesDropped)
	}
	counter("voxelstream_world_peers_dropped_total", "Peers disconnected for falling behind.")
	for _, in := range infos {
		fmt.Fprintf(rw, "voxelstream_world_peers_dropped_total{world=%q} %d\n", in.Name, in.PeersDropped)
	}
	counter("voxelstream_index_dropped_total", "Index writes dropped on a full queue.")
	for _, in := range infos {
		if rt, ok := mgr.Runtime(in.Name); ok && rt.Index != nil {
			fmt.Fprintf(rw, "voxelstream_index_dropped_total{world=%q} %d\n", in.Name, rt.Index.Dropped())
		}
	}
	counter("voxelstream_audit_entries_total", "Audit entries written since start.")
	for _, in := range infos {
		if rt, ok := mgr.Runtime(in.Name); ok && rt.Audit != nil {
			fmt.Fprintf(rw, "voxelstream_audit_entries_total{world=%q} %d\n", in.Name, rt.Audit.Written())
		}
	}

	st := wsSrv.Stats()
	gauge("voxelstream_ws_connections", "Open websocket connections.")
	fmt.Fprintf(rw, "voxelstream_ws_connections %d\n", st.Connections)
	counter("voxelstream_ws_frames_in_total", "Frames read from viewers.")
	fmt.Fprintf(rw, "voxelstream_ws_frames_in_total %d\n", st.FramesIn)
	counter("voxelstream_ws_malformed_total", "Frames that failed to decode.")
	fmt.Fprintf(rw, "voxelstream_ws_malformed_total %d\n", st.Malformed)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
