package device

import (
	"testing"
)

func TestLoadGeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.ID() == "" {
		t.Fatal("expected a generated device id")
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("load again: %v", err)
	}
	if second.ID() != first.ID() {
		t.Fatalf("expected stable id across loads, got %q then %q", first.ID(), second.ID())
	}
}

func TestLoadDifferentDirsGetDifferentIDs(t *testing.T) {
	a, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("expected distinct ids for distinct data directories")
	}
}
