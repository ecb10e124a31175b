package attachments

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestSaveFromLocalFile(t *testing.T) {
	s := NewStore(t.TempDir())
	src := writeTempFile(t, "photo.jpg", "jpeg bytes")

	rec, err := s.SaveFromLocalFile("telegram", "telegram:12", "photo.jpg", "image/jpeg", "photo", src)
	if err != nil {
		t.Fatalf("SaveFromLocalFile failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("Record should get an id")
	}
	if rec.SizeBytes != int64(len("jpeg bytes")) {
		t.Errorf("SizeBytes = %d", rec.SizeBytes)
	}
	if rec.SHA256 == "" {
		t.Error("SHA256 should be computed")
	}
	if rec.Kind != "photo" {
		t.Errorf("Kind = %q", rec.Kind)
	}

	data, err := os.ReadFile(rec.StoredPath)
	if err != nil {
		t.Fatalf("reading stored copy: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Errorf("Stored content = %q", data)
	}
}

func TestSaveSanitizesFilename(t *testing.T) {
	s := NewStore(t.TempDir())
	src := writeTempFile(t, "input", "content")

	rec, err := s.SaveFromLocalFile("telegram", "telegram:12", "../../evil.jpg", "image/jpeg", "photo", src)
	if err != nil {
		t.Fatalf("SaveFromLocalFile failed: %v", err)
	}
	if filepath.Dir(rec.StoredPath) != s.rootPath {
		t.Errorf("Stored path escaped the attachment root: %q", rec.StoredPath)
	}
}

func TestSaveMissingSourceFails(t *testing.T) {
	s := NewStore(t.TempDir())

	if _, err := s.SaveFromLocalFile("telegram", "telegram:12", "x.jpg", "", "photo", "/nonexistent/file"); err == nil {
		t.Fatal("Expected error for missing source file")
	}
}

func TestGetAndList(t *testing.T) {
	s := NewStore(t.TempDir())
	src := writeTempFile(t, "a.png", "png")

	rec, err := s.SaveFromLocalFile("slack", "slack:C1", "a.png", "image/png", "result", src)
	if err != nil {
		t.Fatalf("SaveFromLocalFile failed: %v", err)
	}

	got, ok := s.Get(rec.ID)
	if !ok {
		t.Fatal("Get should find the record")
	}
	if got.ConversationID != "slack:C1" {
		t.Errorf("ConversationID = %q", got.ConversationID)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("Get should miss on unknown id")
	}

	if list := s.List(); len(list) != 1 {
		t.Errorf("List returned %d records", len(list))
	}
}

// TestIndexSurvivesReload verifies the JSON index reloads into a fresh
// store over the same workspace.
func TestIndexSurvivesReload(t *testing.T) {
	workspace := t.TempDir()
	src := writeTempFile(t, "a.jpg", "bytes")

	first := NewStore(workspace)
	rec, err := first.SaveFromLocalFile("telegram", "telegram:5", "a.jpg", "image/jpeg", "photo", src)
	if err != nil {
		t.Fatalf("SaveFromLocalFile failed: %v", err)
	}

	second := NewStore(workspace)
	got, ok := second.Get(rec.ID)
	if !ok {
		t.Fatal("Reloaded store should find the record")
	}
	if got.SHA256 != rec.SHA256 {
		t.Errorf("SHA256 mismatch after reload")
	}
}
