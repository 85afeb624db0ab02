package boot

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/cavaliergopher/cpio"
)

const dirLinks = 2

// InitFile is one regular file placed in a generated initramfs. Data wins
// over Source; Source is read from the host when Data is nil.
type InitFile struct {
	Path   string
	Mode   fs.FileMode
	Data   []byte
	Source string
}

func (f InitFile) contents() ([]byte, error) {
	if f.Data != nil || f.Source == "" {
		return f.Data, nil
	}
	data, err := os.ReadFile(f.Source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Source, err)
	}
	return data, nil
}

// BuildInitramfs writes files into a newc cpio archive. Parent directories
// are created implicitly, in lexical order ahead of the files they hold.
func BuildInitramfs(files []InitFile) ([]byte, error) {
	var buf bytes.Buffer
	w := cpio.NewWriter(&buf)

	dirs := make(map[string]bool)
	var dirList []string
	seen := make(map[string]bool, len(files))

	for idx, file := range files {
		name := strings.TrimPrefix(path.Clean("/"+file.Path), "/")
		if name == "" || name == "." {
			return nil, fmt.Errorf("initramfs file %d has empty path", idx)
		}
		if seen[name] {
			return nil, fmt.Errorf("initramfs file %q listed twice", name)
		}
		seen[name] = true

		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			if !dirs[dir] {
				dirs[dir] = true
				dirList = append(dirList, dir)
			}
		}
	}

	sort.Strings(dirList)
	for _, dir := range dirList {
		if err := w.WriteHeader(&cpio.Header{
			Name:  dir,
			Mode:  cpio.TypeDir | 0o755,
			Links: dirLinks,
		}); err != nil {
			return nil, fmt.Errorf("write directory %s: %w", dir, err)
		}
	}

	for _, file := range files {
		name := strings.TrimPrefix(path.Clean("/"+file.Path), "/")
		if dirs[name] {
			return nil, fmt.Errorf("initramfs path %q is both a file and a directory", name)
		}

		data, err := file.contents()
		if err != nil {
			return nil, fmt.Errorf("initramfs file %s: %w", name, err)
		}

		mode := file.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := w.WriteHeader(&cpio.Header{
			Name:  name,
			Mode:  cpio.TypeReg | cpio.FileMode(mode),
			Links: 1,
			Size:  int64(len(data)),
		}); err != nil {
			return nil, fmt.Errorf("write header for %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("write body for %s: %w", name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close initramfs: %w", err)
	}
	return buf.Bytes(), nil
}
