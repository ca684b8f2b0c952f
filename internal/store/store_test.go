package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schemacache"
)

func TestLastPerKeyKeepsFinalOccurrence(t *testing.T) {
	in := []*schemacache.Entry{
		{Origin: "o", Kind: "node", Key: "a", ContentHash: "1"},
		{Origin: "o", Kind: "node", Key: "b", ContentHash: "2"},
		{Origin: "o", Kind: "node", Key: "a", ContentHash: "3"},
		{Origin: "o", Kind: "template", Key: "a", ContentHash: "4"},
	}
	out := lastPerKey(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(out))
	}
	if out[0].Key != "a" || out[0].ContentHash != "3" {
		t.Errorf("expected a to keep last hash 3 in first slot, got %+v", out[0])
	}
	if out[2].Kind != "template" {
		t.Errorf("kinds must not collapse, got %+v", out[2])
	}
}

func TestAdvisoryID(t *testing.T) {
	key := refresh.LockKey("flowise", "node")
	a, err := advisoryID(key)
	if err != nil {
		t.Fatalf("advisoryID: %v", err)
	}
	b, _ := advisoryID(key)
	if a != b {
		t.Errorf("advisoryID not stable: %d != %d", a, b)
	}
	c, _ := advisoryID(refresh.LockKey("flowise", "template"))
	if a == c {
		t.Errorf("different scopes mapped to the same id %d", a)
	}
	if _, err := advisoryID("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "001_a.up.sql" || files[1] != "002_b.up.sql" {
		t.Fatalf("unexpected files %v", files)
	}

	if _, err := migrationFiles(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}
