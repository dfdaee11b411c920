package build

import (
	"os"
	"path/filepath"

	"github.com/rsepassi/rebuild-go/internal/rebuilderr"
)

// FindRecipeSource walks from startDir upward looking for a file named
// "BUILD.<ext>". It returns an Io error if the filesystem root is reached
// without finding one.
func FindRecipeSource(startDir, ext string) (string, error) {
	fileName := "BUILD." + ext

	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", rebuilderr.Wrap(rebuilderr.Io, "failed to resolve absolute path", err)
	}

	for {
		candidate := filepath.Join(dir, fileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", rebuilderr.New(rebuilderr.Io, "no "+fileName+" found in any parent directory")
		}
		dir = parent
	}
}
