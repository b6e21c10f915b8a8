// Package registry remembers what has already been dumped so the same
// container is written at most once.
package registry

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/keithlinneman/dexscan/internal/cryptoutil"
	"github.com/keithlinneman/dexscan/internal/log"
	"github.com/keithlinneman/dexscan/internal/procmaps"
)

const (
	DefaultCapacity      = 512
	defaultDiskCacheSize = 1024
)

// DefaultExclusions are the digests of the empty file and two known null
// containers.
var DefaultExclusions = []string{
	"da39a3ee5e6b4b0d3255bfef95601890afd80709",
	"5ba93c9db0cff93f52b521d7420e43f6eda2784f",
	"1489f923c4dca729178b3e3233458550d8dddf29",
}

// Verdict is the outcome of Check.
type Verdict int

const (
	Accept Verdict = iota
	DuplicateIdentity
	SizeOutOfBounds
	Excluded
	DuplicateContent
	DuplicateOnDisk
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case DuplicateIdentity:
		return "duplicate_identity"
	case SizeOutOfBounds:
		return "size_out_of_bounds"
	case Excluded:
		return "excluded"
	case DuplicateContent:
		return "duplicate_content"
	case DuplicateOnDisk:
		return "duplicate_on_disk"
	default:
		return "unknown"
	}
}

// Record is one persisted item.
type Record struct {
	ID         procmaps.FileID   `json:"id" cbor:"1,keyasint"`
	Path       string            `json:"path" cbor:"2,keyasint"`
	Digest     cryptoutil.Digest `json:"digest" cbor:"3,keyasint"`
	RecordedAt time.Time         `json:"recorded_at" cbor:"4,keyasint"`
}

// Options configures a Registry. Zero values take the defaults.
type Options struct {
	Capacity int
	MinSize  uint64
	MaxSize  uint64
	Excluded []cryptoutil.Digest

	// OutputDir enables the on-disk check when set.
	OutputDir      string
	DiskExtensions []string
	DiskCacheSize  int

	Logger log.Logger
	Now    func() time.Time
}

// Registry is a bounded, insertion-ordered store of persisted items. All
// methods are safe for concurrent use; each call holds the lock for its
// whole duration.
type Registry struct {
	mu sync.Mutex

	capacity int
	min, max uint64
	excluded map[cryptoutil.Digest]struct{}
	disk     *diskIndex
	logger   log.Logger
	now      func() time.Time

	// ring buffer in insertion order
	ring  []Record
	head  int
	count int

	byID     map[procmaps.FileID]int
	byDigest map[cryptoutil.Digest]int
}

// New builds a registry. The default exclusions apply when opts.Excluded is nil.
func New(opts Options) (*Registry, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MinSize == 0 && opts.MaxSize == 0 {
		opts.MinSize, opts.MaxSize = 1<<10, 50<<20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	excluded := opts.Excluded
	if excluded == nil {
		for _, s := range DefaultExclusions {
			excluded = append(excluded, cryptoutil.MustParseDigest(s))
		}
	}

	r := &Registry{
		capacity: opts.Capacity,
		min:      opts.MinSize,
		max:      opts.MaxSize,
		excluded: make(map[cryptoutil.Digest]struct{}, len(excluded)),
		logger:   log.OrNop(opts.Logger),
		now:      opts.Now,
		ring:     make([]Record, opts.Capacity),
		byID:     make(map[procmaps.FileID]int),
		byDigest: make(map[cryptoutil.Digest]int),
	}
	for _, d := range excluded {
		r.excluded[d] = struct{}{}
	}
	if opts.OutputDir != "" {
		size := opts.DiskCacheSize
		if size <= 0 {
			size = defaultDiskCacheSize
		}
		cache, err := lru.New(size)
		if err != nil {
			return nil, err
		}
		r.disk = &diskIndex{dir: opts.OutputDir, exts: normalizeExts(opts.DiskExtensions), cache: cache}
	}
	return r, nil
}

// Check runs the duplicate checks in order and stops at the first hit:
// file identity, size bounds, exclusion list, in-memory digest, then files
// already in the output directory. The digest is returned whenever it was
// computed.
func (r *Registry) Check(id procmaps.FileID, data []byte) (Verdict, cryptoutil.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !id.IsZero() && r.byID[id] > 0 {
		return DuplicateIdentity, cryptoutil.Digest{}
	}
	n := uint64(len(data))
	if n < r.min || n > r.max {
		return SizeOutOfBounds, cryptoutil.Digest{}
	}
	d := cryptoutil.Sum(data)
	if _, ok := r.excluded[d]; ok {
		return Excluded, d
	}
	if r.byDigest[d] > 0 {
		return DuplicateContent, d
	}
	if r.disk != nil {
		if path, ok := r.disk.contains(d, int64(n)); ok {
			r.logger.Debug(context.Background(), "content already on disk", "path", path, "sha1", d.Short())
			return DuplicateOnDisk, d
		}
	}
	return Accept, d
}

// Record appends an entry. At capacity the oldest entry is evicted,
// regardless of how recently it was matched.
func (r *Registry) Record(id procmaps.FileID, path string, d cryptoutil.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.capacity {
		old := r.ring[r.head]
		r.forget(old)
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.logger.Debug(context.Background(), "registry full, evicted oldest entry", "path", old.Path)
	}
	rec := Record{ID: id, Path: path, Digest: d, RecordedAt: r.now()}
	r.ring[(r.head+r.count)%r.capacity] = rec
	r.count++
	if !id.IsZero() {
		r.byID[id]++
	}
	r.byDigest[d]++
	if r.disk != nil {
		r.disk.remember(path, d)
	}
	r.logger.Debug(context.Background(), "registered dump", "path", path, "inode", id.Inode, "sha1", d.String(), "count", r.count)
}

func (r *Registry) forget(rec Record) {
	if !rec.ID.IsZero() {
		if r.byID[rec.ID]--; r.byID[rec.ID] <= 0 {
			delete(r.byID, rec.ID)
		}
	}
	if r.byDigest[rec.Digest]--; r.byDigest[rec.Digest] <= 0 {
		delete(r.byDigest, rec.Digest)
	}
}

// Seen reports whether id is currently recorded.
func (r *Registry) Seen(id procmaps.FileID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !id.IsZero() && r.byID[id] > 0
}

// Records returns the entries oldest first.
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.ring[(r.head+i)%r.capacity]
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Registry) Capacity() int { return r.capacity }
