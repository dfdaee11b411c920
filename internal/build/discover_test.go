package build

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindRecipeSource_InStartDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "BUILD.rebuild")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("failed to write BUILD.rebuild: %v", err)
	}

	got, err := FindRecipeSource(tmpDir, "rebuild")
	if err != nil {
		t.Fatalf("FindRecipeSource() error = %v", err)
	}
	if got != path {
		t.Errorf("FindRecipeSource() = %q, want %q", got, path)
	}
}

func TestFindRecipeSource_InParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "BUILD.rebuild")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("failed to write BUILD.rebuild: %v", err)
	}

	subDir := filepath.Join(tmpDir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatalf("failed to create subdirectories: %v", err)
	}

	got, err := FindRecipeSource(subDir, "rebuild")
	if err != nil {
		t.Fatalf("FindRecipeSource() error = %v", err)
	}
	if got != path {
		t.Errorf("FindRecipeSource() = %q, want %q", got, path)
	}
}

func TestFindRecipeSource_NotFound(t *testing.T) {
	tmpDir := t.TempDir()
	_, err := FindRecipeSource(tmpDir, "rebuild")
	if err == nil {
		t.Error("FindRecipeSource() expected error when no BUILD file exists")
	}
}
