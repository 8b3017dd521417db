package peer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoSuchFile reports a chunk or size request for a file the peer does not
// share (anymore).
var ErrNoSuchFile = errors.New("no such shared file")

// scanShareDir lists the regular files at the top level of dir, sorted.
// Subdirectories are not shared.
func scanShareDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan share dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// diffFiles splits current against previous into added and removed names.
// Both inputs must be sorted.
func diffFiles(previous, current []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(previous) && j < len(current) {
		switch {
		case previous[i] == current[j]:
			i++
			j++
		case previous[i] < current[j]:
			removed = append(removed, previous[i])
			i++
		default:
			added = append(added, current[j])
			j++
		}
	}
	removed = append(removed, previous[i:]...)
	added = append(added, current[j:]...)
	return added, removed
}

// cleanFileName rejects anything that is not a bare filename, so remote
// chunk requests cannot traverse out of the share directory.
func cleanFileName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return name, nil
}

// readChunk reads up to size bytes of the shared file at offset. A short
// chunk means the tail of the file; an offset at or past the end returns an
// empty chunk. A missing file returns ErrNoSuchFile.
func readChunk(dir, name string, offset int64, size int) ([]byte, error) {
	name, err := cleanFileName(name)
	if err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("invalid chunk bounds offset=%d size=%d", offset, size)
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchFile
		}
		return nil, fmt.Errorf("open shared file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read shared file: %w", err)
	}
	return buf[:n], nil
}

// sharedFileSize returns the size of the shared file, or ErrNoSuchFile.
func sharedFileSize(dir, name string) (int64, error) {
	name, err := cleanFileName(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoSuchFile
		}
		return 0, fmt.Errorf("stat shared file: %w", err)
	}
	if info.IsDir() {
		return 0, ErrNoSuchFile
	}
	return info.Size(), nil
}
