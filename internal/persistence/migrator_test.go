package persistence

import (
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
)

func TestMigrationFilesOrdered(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_read_models.up.sql":   {Data: []byte("CREATE TABLE b ();")},
		"000001_event_log.up.sql":     {Data: []byte("CREATE TABLE a ();")},
		"000001_event_log.down.sql":   {Data: []byte("DROP TABLE a;")},
		"000002_read_models.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":                   {Data: []byte("notes")},
	}
	m := NewMigratorFS(nil, fsys, zerolog.Nop())

	ups, err := m.files(".up.sql")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	want := []string{"000001_event_log.up.sql", "000002_read_models.up.sql"}
	if len(ups) != len(want) {
		t.Fatalf("got %v, want %v", ups, want)
	}
	for i := range want {
		if ups[i] != want[i] {
			t.Errorf("file %d: got %s, want %s", i, ups[i], want[i])
		}
	}

	downs, err := m.files(".down.sql")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(downs) != 2 {
		t.Errorf("got %d down files, want 2", len(downs))
	}
}

func TestMigrationChecksum(t *testing.T) {
	fsys := fstest.MapFS{
		"a.up.sql": {Data: []byte("CREATE TABLE a ();")},
		"b.up.sql": {Data: []byte("CREATE TABLE a ();")},
		"c.up.sql": {Data: []byte("CREATE TABLE a (id INT);")},
	}
	m := NewMigratorFS(nil, fsys, zerolog.Nop())

	_, a, err := m.read("a.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_, b, _ := m.read("b.up.sql")
	_, c, _ := m.read("c.up.sql")
	if len(a) != 64 {
		t.Errorf("checksum length: got %d, want 64", len(a))
	}
	if a != b {
		t.Error("identical content should share a checksum")
	}
	if a == c {
		t.Error("edited content should change the checksum")
	}
	if _, _, err := m.read("missing.up.sql"); err == nil {
		t.Error("reading a missing migration should fail")
	}
}

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		file, want string
	}{
		{"000001_event_log.up.sql", "000001"},
		{"000002_read_models.down.sql", "000002"},
		{"noversion.sql", "noversion.sql"},
	}
	for _, tt := range tests {
		if got := extractVersion(tt.file); got != tt.want {
			t.Errorf("extractVersion(%q): got %s, want %s", tt.file, got, tt.want)
		}
	}
}
