package store

import (
	"os"
	"path/filepath"
	"testing"

	"trader-bot/internal/strategy"
)

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fa := strategy.NewFixedAmount("X", 1000, 0.1, 0.1, 1.5)
	kind, err := strategy.Wrap(fa)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	rec := Record{
		Token:      "secret-token",
		Strategies: map[string]strategy.StrategyKind{"fixed amount": kind},
	}

	if err := s.Save(42, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(42)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil")
	}
	if loaded.Token != "secret-token" {
		t.Errorf("Token = %q, want %q", loaded.Token, "secret-token")
	}
	got, ok := loaded.Strategies["fixed amount"]
	if !ok {
		t.Fatal("strategy missing after round trip")
	}
	restored, err := got.Unwrap()
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	restoredFA, ok := restored.(*strategy.FixedAmount)
	if !ok {
		t.Fatalf("restored type = %T, want *FixedAmount", restored)
	}
	if restoredFA.Target != 1000 {
		t.Errorf("Target = %v, want 1000", restoredFA.Target)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	loaded, err := s.Load(99)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing record, got %+v", loaded)
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_ = s.Save(1, Record{Token: "first"})
	_ = s.Save(1, Record{Token: "second"})

	loaded, err := s.Load(1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Token != "second" {
		t.Errorf("Token = %q, want %q (latest save)", loaded.Token, "second")
	}
}

func TestLoadAllSkipsTmpAndNonNumericFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Save(1, Record{Token: "a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(2, Record{Token: "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// A leftover tmp file from an interrupted save and an unrelated file;
	// both hold invalid JSON, so loading either would make LoadAll fail.
	for _, name := range []string{"3.tmp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{"), 0o600); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("LoadAll returned %d records, want 2", len(all))
	}
	if all[1].Token != "a" || all[2].Token != "b" {
		t.Errorf("LoadAll = %+v, want chat 1=a, chat 2=b", all)
	}
}
