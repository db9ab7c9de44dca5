package config

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestProjectRoundTripPreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.json")

	input := []byte(`{
		"name": "demo",
		"description": "a demo project",
		"scope": {"includes": [{"host": "*.example.com"}], "excludes": []},
		"rules": [],
		"notes": "",
		"version": "1",
		"future_field": {"nested": true}
	}`)

	var doc Document
	if err := json.Unmarshal(input, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if err := SaveProject(path, &doc); err != nil {
		t.Fatalf("SaveProject() error = %v", err)
	}

	loaded, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if loaded.Name != "demo" {
		t.Errorf("Name = %q, want demo", loaded.Name)
	}
	if _, ok := loaded.Extra["future_field"]; !ok {
		t.Error("expected future_field to round-trip in Extra")
	}
}
