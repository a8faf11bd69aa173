package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func exercise(t *testing.T, fsys FileSystem, dir string) {
	t.Helper()
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if !fsys.Exists(dir) {
		t.Fatal("directory should exist")
	}

	name := filepath.Join(dir, "snap.bmp")
	w, err := fsys.Create(name)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("BM")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := fsys.ReadFile(name)
	if err != nil || string(data) != "BM" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}

	if err := fsys.Remove(name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if fsys.Exists(name) {
		t.Error("file still exists after Remove")
	}
	if err := fsys.Remove(name); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second Remove = %v, want ErrNotExist", err)
	}
}

func TestOSFileSystem(t *testing.T) {
	exercise(t, OSFileSystem{}, filepath.Join(t.TempDir(), "snapshots"))
}

func TestMemoryFileSystem(t *testing.T) {
	m := NewMemoryFileSystem()
	exercise(t, m, "var/snapshots")
	if !m.Exists("var") {
		t.Error("parent directory not recorded")
	}
	if len(m.Files()) != 0 {
		t.Errorf("Files() = %v, want empty", m.Files())
	}
}

func TestMemoryFileSystem_CreateErr(t *testing.T) {
	m := NewMemoryFileSystem()
	m.CreateErr = errors.New("disk full")
	if _, err := m.Create("a.bmp"); err == nil {
		t.Fatal("expected error")
	}
}
