package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureStateDirsCreatesLayout(t *testing.T) {
	root := t.TempDir()
	if err := EnsureStateDirs(root); err != nil {
		t.Fatalf("EnsureStateDirs: %v", err)
	}
	p := PathsFor(root)
	for _, dir := range []string{p.Store, p.Reconcile, p.Tmp, p.Tel, p.Crash} {
		fi, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("missing %s: %v", dir, err)
		}
		if !fi.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

func TestEnsureStateDirsRejectsFileInPlace(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "store"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := EnsureStateDirs(root); err == nil {
		t.Fatalf("expected error when store path is a regular file")
	}
}
