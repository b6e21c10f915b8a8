package registry

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/keithlinneman/dexscan/internal/cryptoutil"
)

var dexMagic = []byte("dex\n")

// diskIndex answers "is this content already in the output directory".
// Full-file digests are cached by path, size and mtime so unchanged files
// are hashed once.
type diskIndex struct {
	dir   string
	exts  []string
	cache *lru.Cache
}

type fileKey struct {
	path  string
	size  int64
	mtime time.Time
}

func normalizeExts(exts []string) []string {
	if len(exts) == 0 {
		return []string{".dex"}
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func (x *diskIndex) wanted(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range x.exts {
		if ext == e {
			return true
		}
	}
	return false
}

func (x *diskIndex) contains(d cryptoutil.Digest, size int64) (string, bool) {
	entries, err := os.ReadDir(x.dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !x.wanted(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() != size {
			continue
		}
		path := filepath.Join(x.dir, e.Name())
		key := fileKey{path: path, size: info.Size(), mtime: info.ModTime()}
		if v, ok := x.cache.Get(key); ok {
			if v.(cryptoutil.Digest) == d {
				return path, true
			}
			continue
		}
		if strings.EqualFold(filepath.Ext(path), ".dex") && !hasMagic(path) {
			continue
		}
		fd, err := cryptoutil.SumFile(path)
		if err != nil {
			continue
		}
		x.cache.Add(key, fd)
		if fd == d {
			return path, true
		}
	}
	return "", false
}

// remember seeds the cache with a file we just wrote.
func (x *diskIndex) remember(path string, d cryptoutil.Digest) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	x.cache.Add(fileKey{path: path, size: info.Size(), mtime: info.ModTime()}, d)
}

func hasMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var b [4]byte
	if _, err := io.ReadFull(f, b[:]); err != nil {
		return false
	}
	return bytes.Equal(b[:], dexMagic)
}
