package extractor

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteImage writes the extraction plan to the output path, creating parent
// directories as needed.
func WriteImage(path string, procedures []WriteProcedure) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create output directory %s: %v", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	for _, p := range procedures {
		if _, err := f.WriteAt(p.Data, int64(p.WriteOffset)); err != nil {
			return fmt.Errorf("failed to write %d bytes at %#x: %v", len(p.Data), p.WriteOffset, err)
		}
	}
	return nil
}
