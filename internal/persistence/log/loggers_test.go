package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"voxelstream/internal/sim/world"
)

func TestAuditLogRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLog(dir)
	at := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)

	if err := l.WriteAudit(world.AuditEntry{At: at, Actor: "a", Pos: [3]int{1, 2, 3}, To: 5}); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteAudit(world.AuditEntry{At: at.Add(2 * time.Minute), Actor: "b", Pos: [3]int{4, 5, 6}}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	for _, hour := range []string{"2024-05-01-10", "2024-05-01-11"} {
		if _, err := os.Stat(filepath.Join(dir, "audit", "voxels-"+hour+".jsonl.zst")); err != nil {
			t.Fatalf("hour file %s: %v", hour, err)
		}
	}

	var actors []string
	if err := ReadAudit(l.Dir(), func(e world.AuditEntry) error {
		actors = append(actors, e.Actor)
		return nil
	}); err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, actors); diff != "" {
		t.Fatalf("actors (-want +got):\n%s", diff)
	}
	if l.Written() != 2 {
		t.Fatalf("written=%d", l.Written())
	}
}

func TestAuditLogAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, actor := range []string{"a", "b", "c"} {
		l := NewAuditLog(dir)
		if err := l.WriteAudit(world.AuditEntry{At: at.Add(time.Duration(i) * time.Minute), Actor: actor}); err != nil {
			t.Fatal(err)
		}
		if err := l.Close(); err != nil {
			t.Fatal(err)
		}
	}
	got, err := Tail(filepath.Join(dir, "audit"), 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 || got[0].Actor != "b" || got[1].Actor != "c" {
		t.Fatalf("tail=%+v", got)
	}
}

func TestFlushMakesOpenHourReadable(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLog(dir)
	defer l.Close()
	if err := l.WriteAudit(world.AuditEntry{Actor: "live"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Flush(); err != nil {
		t.Fatal(err)
	}
	got, err := Tail(l.Dir(), 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 1 || got[0].Actor != "live" || got[0].At.IsZero() {
		t.Fatalf("tail=%+v", got)
	}
}

func TestReadAuditMissingDir(t *testing.T) {
	got, err := Tail(filepath.Join(t.TempDir(), "nope"), 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("got=%v err=%v", got, err)
	}
}
