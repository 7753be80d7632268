package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// tarFiles packs in-memory artifact files into a tar stream suitable for
// extraction relative to the sandbox workdir. Paths must be relative and
// must not escape the workdir.
func tarFiles(files map[string][]byte) (io.Reader, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now().UTC()

	seenDirs := map[string]bool{}
	for _, name := range names {
		clean := path.Clean(name)
		if clean == "." || path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return nil, fmt.Errorf("invalid artifact path %q", name)
		}

		// Emit parent directory entries so nested paths extract cleanly.
		for _, dir := range parentDirs(clean) {
			if seenDirs[dir] {
				continue
			}
			seenDirs[dir] = true
			hdr := &tar.Header{
				Name:     dir + "/",
				Mode:     0755,
				Typeflag: tar.TypeDir,
				ModTime:  now,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
		}

		data := files[name]
		hdr := &tar.Header{
			Name:    clean,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// parentDirs lists the directory chain above a cleaned relative path,
// shallowest first.
func parentDirs(p string) []string {
	var dirs []string
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}
