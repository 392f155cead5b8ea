// Package walk discovers the regular files a posting run should include
// from the positional file/directory arguments on the command line.
package walk

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/nzbpost/nzbpost/internal/logger"
	"github.com/nzbpost/nzbpost/internal/segment"
)

// Discover walks paths (files or directories) and returns every regular
// file found, in a stable, sorted-by-walk-order sequence. A path that is
// neither a file nor a directory (a socket, device node, etc.) is
// skipped with a warning rather than failing the whole run.
func Discover(log *logger.Logger, paths []string) ([]segment.FileInfo, error) {
	var files []segment.FileInfo

	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return fmt.Errorf("walk: %s: %w", path, err)
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("walk: stat %s: %w", path, err)
			}
			if !info.Mode().IsRegular() {
				log.Warn("skipping non-regular file %s", path)
				return nil
			}
			files = append(files, segment.FileInfo{Path: path, Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("walk: no regular files found under %v", paths)
	}
	return files, nil
}
