package state

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"crowsnest/internal/logging"
)

func testLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "roster.json"), filepath.Join(dir, "streams"), testLogger())
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("load of missing file should succeed, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty roster, got %d", s.Len())
	}
}

func TestLoadUpgradesLegacyList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.json")
	if err := os.WriteFile(path, []byte(`["Alice", "bob"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, filepath.Join(dir, "streams"), testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("legacy load failed: %v", err)
	}

	ch, ok := s.Get("alice")
	if !ok {
		t.Fatalf("expected lowercased legacy entry")
	}
	if ch.Resolution != "best" {
		t.Fatalf("expected default resolution, got %q", ch.Resolution)
	}
	if ch.SaveDirectory != filepath.Join(dir, "streams", "alice") {
		t.Fatalf("unexpected save directory %q", ch.SaveDirectory)
	}
	if _, ok := s.Get("bob"); !ok {
		t.Fatalf("expected second legacy entry")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, dir, testLogger())
	if err := s.Load(); err == nil {
		t.Fatalf("expected parse error for corrupt roster")
	}
}

func TestUpsertPersistsAndNormalizes(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert("Streamer", Channel{DownloadsEnabled: true}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	ch, ok := s.Get("streamer")
	if !ok {
		t.Fatalf("expected record keyed by lowercase login")
	}
	if ch.Resolution != "best" || ch.SaveDirectory == "" {
		t.Fatalf("expected normalized defaults, got %+v", ch)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("roster file not written: %v", err)
	}
	var onDisk map[string]Channel
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("roster file not valid JSON: %v", err)
	}
	if !onDisk["streamer"].DownloadsEnabled {
		t.Fatalf("persisted record lost downloads flag")
	}
}

func TestUpdateMissingIsNoOp(t *testing.T) {
	s := newTestStore(t)
	called := false
	if err := s.Update("ghost", func(ch *Channel) { called = true }); err != nil {
		t.Fatalf("update of missing record should not error: %v", err)
	}
	if called {
		t.Fatalf("update callback ran for missing record")
	}
	if s.Len() != 0 {
		t.Fatalf("update resurrected a missing record")
	}
}

func TestRemoveReportsExistence(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert("streamer", Channel{}); err != nil {
		t.Fatal(err)
	}

	existed, err := s.Remove("streamer")
	if err != nil || !existed {
		t.Fatalf("expected removal of existing record, got %v %v", existed, err)
	}
	existed, err = s.Remove("streamer")
	if err != nil || existed {
		t.Fatalf("expected second removal to report missing, got %v %v", existed, err)
	}
}

func TestReplacePreservesPipelineFields(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert("streamer", Channel{
		ChannelID:       "12345",
		IsLive:          true,
		Title:           "Speedrun",
		Thumbnail:       "https://cdn/thumb.jpg",
		ProfileImageURL: "https://cdn/profile.png",
	}); err != nil {
		t.Fatal(err)
	}

	incoming := map[string]Channel{
		"streamer": {DownloadsEnabled: true},
		"newcomer": {},
	}
	if err := s.Replace(incoming); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	ch, _ := s.Get("streamer")
	if ch.ChannelID != "12345" || !ch.IsLive || ch.Title != "Speedrun" {
		t.Fatalf("replace clobbered pipeline fields: %+v", ch)
	}
	if !ch.DownloadsEnabled {
		t.Fatalf("replace dropped incoming settings")
	}
	if _, ok := s.Get("newcomer"); !ok {
		t.Fatalf("replace dropped new record")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", s.Len())
	}
}

func TestReplaceDropsRemovedChannels(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert("old", Channel{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Replace(map[string]Channel{"kept": {}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("old"); ok {
		t.Fatalf("replace kept a removed record")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert("streamer", Channel{}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "roster.json" {
			t.Fatalf("unexpected leftover file %q", e.Name())
		}
	}
}
