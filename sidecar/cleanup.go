package sidecar

import (
	"log/slog"
	"os"
	"path/filepath"
)

// cleanupDirs empties the ComfyUI input, output and temp directories between
// jobs. input/demo ships with the image and is kept.
func cleanupDirs(comfyDir string) {
	preserve := map[string]struct{}{
		filepath.Join(comfyDir, "input", "demo"): {},
	}

	for _, name := range []string{"input", "output", "temp"} {
		dir := filepath.Join(comfyDir, name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			p := filepath.Join(dir, entry.Name())
			if _, ok := preserve[p]; ok {
				continue
			}
			if err := os.RemoveAll(p); err != nil {
				slog.Warn("Cleanup failed", slog.String("path", p), slog.String("error", err.Error()))
			}
		}
	}
}
