// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inode

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"

	"github.com/scmfs/scmfs/blobcache"
	"github.com/scmfs/scmfs/clock"
	"github.com/scmfs/scmfs/importer"
	"github.com/scmfs/scmfs/objectstore"
	"github.com/scmfs/scmfs/objhash"
	"github.com/scmfs/scmfs/vfspath"
)

// FileInode represents a regular file, an executable file, or a symlink.
// Symlinks are modeled as files whose "contents" is the link target, which
// matches how the backing source-control system represents them in its
// tree manifests.
type FileInode struct {
	header

	store    objectstore.Store
	importer importer.Importer
	cache    *blobcache.Cache

	mu syncutil.InvariantMutex

	// backing is the hash of the unmodified content, as recorded in the
	// tree this file was loaded from. It is the zero Hash for a file
	// created locally that has never been committed.
	backing objhash.Hash // GUARDED_BY(mu)

	// materialized holds in-memory content once the file has been written
	// or truncated (reads do not populate it); nil means the content is
	// still only available via backing
	// plus the store/importer/cache chain.
	materialized []byte      // GUARDED_BY(mu)
	dirty        bool        // GUARDED_BY(mu)
	mode         os.FileMode // GUARDED_BY(mu); kind's type bits plus permission bits

	// handle is the outstanding blob cache interest handle on the backing
	// blob, if any; it is released when a later fetch replaces it or the
	// inode is unloaded.
	handle *blobcache.Handle // GUARDED_BY(mu)

	openCount int64 // atomic; number of outstanding FileHandles
}

// NewFileInode constructs a FileInode backed by the given hash. An empty,
// newly created file is constructed by passing objhash.Zero for backing;
// such a file reads as empty until it is written.
func NewFileInode(
	number fuseops.InodeID,
	kind Kind,
	parent *TreeInode,
	name vfspath.PathComponent,
	backing objhash.Hash,
	store objectstore.Store,
	imp importer.Importer,
	cache *blobcache.Cache,
	clk clock.Clock,
) *FileInode {
	now := clk.Now().UnixNano()
	f := &FileInode{
		header: header{
			clock:  clk,
			number: number,
			kind:   kind,
			parent: parent,
			name:   name,
			atime:  now,
			mtime:  now,
			ctime:  now,
		},
		store:    store,
		importer: imp,
		cache:    cache,
		backing:  backing,
		mode:     defaultModeForKind(kind),
	}
	f.mu = syncutil.NewInvariantMutex(f.checkInvariants)
	return f
}

func defaultModeForKind(kind Kind) os.FileMode {
	switch kind {
	case KindExecutable:
		return executableMode
	case KindSymlink:
		return symlinkMode
	default:
		return regularMode
	}
}

func (f *FileInode) checkInvariants() {
	if f.materialized == nil && f.dirty {
		panic("inode: dirty file has no materialized content")
	}
}

func (f *FileInode) Number() fuseops.InodeID { return f.header.Number() }
func (f *FileInode) Kind() Kind              { return f.header.Kind() }

func (f *FileInode) IncrementLookupCount(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.header.incrementLookupCount(n)
}

func (f *FileInode) DecrementLookupCount(n uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header.decrementLookupCount(n)
}

// SetOwner updates the file's uid/gid, returning whether either value
// actually changed.
func (f *FileInode) SetOwner(uid, gid uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uid == uid && f.gid == gid {
		return false
	}
	f.uid, f.gid = uid, gid
	f.ctime = f.clock.Now().UnixNano()
	return true
}

func (f *FileInode) Unloadable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCount == 0 && atomic.LoadInt64(&f.openCount) == 0
}

func (f *FileInode) LookupCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCount
}

func (f *FileInode) Attributes(ctx context.Context) (fuseops.InodeAttributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attributesLocked(ctx)
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) attributesLocked(ctx context.Context) (fuseops.InodeAttributes, error) {
	size, err := f.sizeLocked(ctx)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}

	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  f.mode,
		Uid:   f.uid,
		Gid:   f.gid,
		Atime: time.Unix(0, f.atime),
		Mtime: time.Unix(0, f.mtime),
		Ctime: time.Unix(0, f.ctime),
	}, nil
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) sizeLocked(ctx context.Context) (uint64, error) {
	if f.materialized != nil {
		return uint64(len(f.materialized)), nil
	}
	content, err := f.contentLocked(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(len(content)), nil
}

// contentLocked returns this file's current contents, fetching and caching
// them from the store/importer if necessary. It does not materialize the
// result into f.materialized; callers that need to mutate call
// materializeLocked first.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) contentLocked(ctx context.Context) ([]byte, error) {
	if f.materialized != nil {
		return f.materialized, nil
	}
	if f.backing.IsZero() {
		return nil, nil
	}

	if blob, handle, ok := f.cache.Get(f.backing, blobcache.WantHandle); ok {
		f.replaceHandleLocked(handle)
		return blob.Data, nil
	}

	blob, found, err := f.store.GetBlob(ctx, f.backing)
	if err != nil {
		return nil, err
	}
	if !found {
		blob, err = f.importer.ImportFileContents(ctx, f.backing)
		if err != nil {
			return nil, err
		}
	}

	handle := f.cache.Insert(blob, blobcache.WantHandle)
	f.replaceHandleLocked(handle)
	return blob.Data, nil
}

// replaceHandleLocked swaps f.handle for handle, releasing whatever
// interest was held before so the file retains at most one outstanding
// blob cache handle until it is unloaded.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) replaceHandleLocked(handle *blobcache.Handle) {
	if f.handle != nil {
		f.handle.Release()
	}
	f.handle = handle
}

// ReleaseCachedBlob drops this file's outstanding blob cache interest
// handle, if any. It is called when the inode is unloaded from its
// parent's child table; if it was the entry's last handle, the cache
// removes that entry immediately.
func (f *FileInode) ReleaseCachedBlob() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle != nil {
		f.handle.Release()
		f.handle = nil
	}
}

// materializeLocked ensures f.materialized is populated, so that a
// subsequent write can mutate it in place.
//
// LOCKS_REQUIRED(f.mu)
func (f *FileInode) materializeLocked(ctx context.Context) error {
	if f.materialized != nil {
		return nil
	}
	content, err := f.contentLocked(ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	f.materialized = buf
	return nil
}

// ReadAt returns up to len(p) bytes of content starting at off, following
// the io.ReaderAt convention.
func (f *FileInode) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	content, err := f.contentLocked(ctx)
	if err != nil {
		return 0, err
	}
	f.atime = f.clock.Now().UnixNano()
	if off >= int64(len(content)) {
		return 0, nil
	}
	return copy(p, content[off:]), nil
}

// WriteAt materializes the file if necessary and writes p at off, growing
// the content and marking the file dirty.
func (f *FileInode) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.materializeLocked(ctx); err != nil {
		return 0, err
	}

	end := off + int64(len(p))
	if end > int64(len(f.materialized)) {
		grown := make([]byte, end)
		copy(grown, f.materialized)
		f.materialized = grown
	}
	n := copy(f.materialized[off:end], p)
	f.dirty = true
	now := f.clock.Now().UnixNano()
	f.mtime = now
	f.ctime = now
	return n, nil
}

// ReadlinkTarget returns a symlink's target. It panics if this is not a
// symlink inode.
func (f *FileInode) ReadlinkTarget(ctx context.Context) (string, error) {
	if f.kind != KindSymlink {
		panic("inode: ReadlinkTarget on non-symlink")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	content, err := f.contentLocked(ctx)
	if err != nil {
		return "", err
	}
	f.atime = f.clock.Now().UnixNano()
	return string(content), nil
}

// Flush writes dirty materialized content back to the object store,
// producing a new backing hash and clearing the dirty bit. It is a no-op
// for a clean file.
func (f *FileInode) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty {
		return nil
	}
	hash, err := f.store.PutBlob(ctx, f.materialized)
	if err != nil {
		return err
	}
	f.backing = hash
	f.dirty = false
	return nil
}

// BackingHash returns the hash this file would be recorded under in a tree
// manifest, flushing first if necessary.
func (f *FileInode) BackingHash(ctx context.Context) (objhash.Hash, error) {
	if err := f.Flush(ctx); err != nil {
		return objhash.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backing, nil
}

// AttrFields selects which fields SetAttr should apply; a nil field is
// left unchanged.
type AttrFields struct {
	Mode  *os.FileMode
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// SetAttr applies the given subset of fields. Mode is masked down to its
// permission bits, so a caller can never change the inode's kind (regular,
// executable, symlink) through SetAttr. ctime is always bumped, regardless
// of which fields actually changed.
func (f *FileInode) SetAttr(ctx context.Context, fields AttrFields) (fuseops.InodeAttributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fields.Mode != nil {
		f.mode = (f.mode &^ os.ModePerm) | (*fields.Mode & os.ModePerm)
	}
	if fields.Uid != nil {
		f.uid = *fields.Uid
	}
	if fields.Gid != nil {
		f.gid = *fields.Gid
	}
	if fields.Atime != nil {
		f.atime = fields.Atime.UnixNano()
	}
	if fields.Mtime != nil {
		f.mtime = fields.Mtime.UnixNano()
	}
	if fields.Size != nil {
		if err := f.truncateLocked(ctx, *fields.Size); err != nil {
			return fuseops.InodeAttributes{}, err
		}
	}
	f.ctime = f.clock.Now().UnixNano()

	return f.attributesLocked(ctx)
}

// Truncate changes the file's length, dropping trailing bytes or
// zero-extending as needed. It always bumps ctime, and bumps mtime as well
// when the length actually changes.
func (f *FileInode) Truncate(ctx context.Context, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.truncateLocked(ctx, size); err != nil {
		return err
	}
	f.ctime = f.clock.Now().UnixNano()
	return nil
}

// LOCKS_REQUIRED(f.mu)
func (f *FileInode) truncateLocked(ctx context.Context, size uint64) error {
	if err := f.materializeLocked(ctx); err != nil {
		return err
	}

	switch {
	case size == uint64(len(f.materialized)):
		return nil
	case size < uint64(len(f.materialized)):
		f.materialized = f.materialized[:size]
	default:
		grown := make([]byte, size)
		copy(grown, f.materialized)
		f.materialized = grown
	}
	f.dirty = true
	f.mtime = f.clock.Now().UnixNano()
	return nil
}

// FileHandle represents one kernel-visible open instance of a FileInode.
// Multiple handles may be outstanding concurrently; the inode's openCount
// is only decremented to zero when every handle has been released.
type FileHandle struct {
	inode *FileInode

	once sync.Once
}

// OpenFile registers a new open instance of f and returns its handle.
func OpenFile(f *FileInode) *FileHandle {
	atomic.AddInt64(&f.openCount, 1)
	return &FileHandle{inode: f}
}

// Release closes this handle. It must be called exactly once.
func (h *FileHandle) Release() {
	h.once.Do(func() {
		atomic.AddInt64(&h.inode.openCount, -1)
	})
}

// OpenCount reports the number of outstanding open handles on f.
func (f *FileInode) OpenCount() int64 {
	return atomic.LoadInt64(&f.openCount)
}

const (
	regularMode    = 0644
	executableMode = 0755
	symlinkMode    = os.ModeSymlink | 0777
)

var _ Inode = (*FileInode)(nil)
