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
	"fmt"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
	"golang.org/x/sync/singleflight"

	"github.com/scmfs/scmfs/blobcache"
	"github.com/scmfs/scmfs/clock"
	"github.com/scmfs/scmfs/importer"
	"github.com/scmfs/scmfs/objectstore"
	"github.com/scmfs/scmfs/objhash"
	"github.com/scmfs/scmfs/vfserrors"
	"github.com/scmfs/scmfs/vfspath"
)

// UnloadedDescriptor records enough about a since-unloaded inode for a
// later lookup by number to reload it under the same number: its parent,
// its name within that parent, and the manifest entry it was last loaded
// from.
type UnloadedDescriptor struct {
	Parent fuseops.InodeID
	Name   vfspath.PathComponent
	Hash   objhash.Hash
	Kind   Kind
}

// Allocator mints inode numbers for newly loaded or created children, and
// records when a number is unloaded so that a later lookup by number can
// reload it under the same number. It is satisfied by inodemap.Map;
// defined here to avoid an import cycle between inode and inodemap.
type Allocator interface {
	Allocate() fuseops.InodeID
	Register(number fuseops.InodeID, in Inode)
	Unload(number fuseops.InodeID, desc UnloadedDescriptor)
}

// childEntry is one name's worth of bookkeeping inside a TreeInode: either
// the child is loaded (inode is non-nil), or it is known only by its
// manifest entry and has to be faulted in on the next Lookup. number is
// retained across an unload/reload cycle so a reloaded child keeps the
// inode number it was first assigned.
type childEntry struct {
	number fuseops.InodeID
	hash   objhash.Hash
	kind   Kind
	inode  Inode // nil until loaded
}

// TreeInode represents a directory. Its child table starts out populated
// from the tree manifest it was loaded from, with each child unloaded
// (inode == nil) until first looked up.
type TreeInode struct {
	header

	store     objectstore.Store
	importer  importer.Importer
	cache     *blobcache.Cache
	allocator Allocator

	mu syncutil.InvariantMutex

	children map[vfspath.PathComponent]*childEntry // GUARDED_BY(mu)

	// loadGroup coalesces concurrent Lookups of the same not-yet-loaded
	// child into a single store/importer round trip.
	loadGroup singleflight.Group
}

// NewTreeInode constructs a directory inode from a manifest's entries. The
// caller is responsible for allocating inode numbers for number itself;
// children remain unloaded until first looked up.
func NewTreeInode(
	number fuseops.InodeID,
	parent *TreeInode,
	name vfspath.PathComponent,
	entries []objectstore.TreeEntry,
	store objectstore.Store,
	imp importer.Importer,
	cache *blobcache.Cache,
	allocator Allocator,
	clk clock.Clock,
) *TreeInode {
	now := clk.Now().UnixNano()
	t := &TreeInode{
		header: header{
			clock:  clk,
			number: number,
			kind:   KindDirectory,
			parent: parent,
			name:   name,
			atime:  now,
			mtime:  now,
			ctime:  now,
		},
		store:     store,
		importer:  imp,
		cache:     cache,
		allocator: allocator,
		children:  make(map[vfspath.PathComponent]*childEntry, len(entries)),
	}
	for _, e := range entries {
		c, err := vfspath.NewPathComponent(e.Name)
		if err != nil {
			continue // malformed manifest entry; skip rather than fail the whole directory
		}
		t.children[c] = &childEntry{hash: e.Hash, kind: entryKind(e.Kind)}
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

var _ Inode = (*TreeInode)(nil)

func entryKind(k objectstore.EntryKind) Kind {
	switch k {
	case objectstore.Executable:
		return KindExecutable
	case objectstore.Symlink:
		return KindSymlink
	case objectstore.Directory:
		return KindDirectory
	default:
		return KindRegular
	}
}

func (t *TreeInode) checkInvariants() {
	for name, e := range t.children {
		if e.inode != nil && e.inode.Name() != name {
			panic(fmt.Sprintf("inode: child %q stored under wrong name", name))
		}
	}
}

func (t *TreeInode) Number() fuseops.InodeID { return t.header.Number() }
func (t *TreeInode) Kind() Kind              { return t.header.Kind() }

func (t *TreeInode) IncrementLookupCount(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.header.incrementLookupCount(n)
}

func (t *TreeInode) DecrementLookupCount(n uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.header.decrementLookupCount(n)
}

// SetOwner updates the directory's uid/gid, returning whether either value
// actually changed.
func (t *TreeInode) SetOwner(uid, gid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.uid == uid && t.gid == gid {
		return false
	}
	t.uid, t.gid = uid, gid
	t.ctime = t.clock.Now().UnixNano()
	return true
}

func (t *TreeInode) Unloadable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupCount == 0
}

func (t *TreeInode) LookupCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupCount
}

func (t *TreeInode) Attributes(ctx context.Context) (fuseops.InodeAttributes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fuseops.InodeAttributes{
		Nlink: 2,
		Mode:  directoryMode,
		Uid:   t.uid,
		Gid:   t.gid,
		Atime: time.Unix(0, t.atime),
		Mtime: time.Unix(0, t.mtime),
		Ctime: time.Unix(0, t.ctime),
	}, nil
}

const directoryMode = 0755 | 1<<31 // high bit mirrors os.ModeDir's role in fuseops' Mode field

// Lookup returns the child named c, loading it from the store/importer if
// this is its first access. Concurrent Lookups of the same unloaded child
// coalesce into a single load.
func (t *TreeInode) Lookup(ctx context.Context, c vfspath.PathComponent) (Inode, error) {
	t.mu.Lock()
	entry, ok := t.children[c]
	if !ok {
		t.mu.Unlock()
		return nil, vfserrors.New(vfserrors.NotFound, "no such entry: "+c.String())
	}
	if entry.inode != nil {
		inode := entry.inode
		t.mu.Unlock()
		return inode, nil
	}
	t.mu.Unlock()

	// Coalesce concurrent faults for the same name. Do not hold t.mu across
	// this call: loading may block on the store or importer.
	result, err, _ := t.loadGroup.Do(c.String(), func() (interface{}, error) {
		return t.loadChild(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return result.(Inode), nil
}

func (t *TreeInode) loadChild(ctx context.Context, c vfspath.PathComponent) (Inode, error) {
	t.mu.Lock()
	entry, ok := t.children[c]
	if !ok {
		t.mu.Unlock()
		return nil, vfserrors.New(vfserrors.NotFound, "no such entry: "+c.String())
	}
	if entry.inode != nil {
		inode := entry.inode
		t.mu.Unlock()
		return inode, nil
	}
	hash, kind, number := entry.hash, entry.kind, entry.number
	uid, gid := t.uid, t.gid
	t.mu.Unlock()

	// number is nonzero if this child was previously loaded and then
	// unloaded; reuse it so the reloaded inode keeps its original identity
	// instead of minting a new one.
	if number == 0 {
		number = t.allocator.Allocate()
	}

	var child Inode
	if kind == KindDirectory {
		tree, found, err := t.store.GetTree(ctx, hash)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, vfserrors.New(vfserrors.NotFound, "tree not present in store: "+hash.String())
		}
		dir := NewTreeInode(number, t, c, tree.Entries, t.store, t.importer, t.cache, t.allocator, t.clock)
		dir.uid, dir.gid = uid, gid
		child = dir
	} else {
		file := NewFileInode(number, kind, t, c, hash, t.store, t.importer, t.cache, t.clock)
		file.uid, file.gid = uid, gid
		child = file
	}

	t.allocator.Register(number, child)

	t.mu.Lock()
	entry = t.children[c]
	entry.inode = child
	entry.number = number
	t.mu.Unlock()

	return child, nil
}

// CreateChild adds a new, empty file or symlink named c to this directory.
// It returns vfserrors.AlreadyExists if c is already occupied.
func (t *TreeInode) CreateChild(c vfspath.PathComponent, kind Kind, number fuseops.InodeID) (*FileInode, error) {
	t.mu.Lock()
	if _, exists := t.children[c]; exists {
		t.mu.Unlock()
		return nil, vfserrors.New(vfserrors.AlreadyExists, "already exists: "+c.String())
	}

	child := NewFileInode(number, kind, t, c, objhash.Zero, t.store, t.importer, t.cache, t.clock)
	child.uid, child.gid = t.uid, t.gid
	t.children[c] = &childEntry{number: number, kind: kind, inode: child}
	now := t.clock.Now().UnixNano()
	t.mtime = now
	t.ctime = now
	t.mu.Unlock()

	t.allocator.Register(number, child)
	return child, nil
}

// Mkdir adds a new, empty subdirectory named c. It returns
// vfserrors.AlreadyExists if c is already occupied.
func (t *TreeInode) Mkdir(c vfspath.PathComponent, number fuseops.InodeID) (*TreeInode, error) {
	t.mu.Lock()
	if _, exists := t.children[c]; exists {
		t.mu.Unlock()
		return nil, vfserrors.New(vfserrors.AlreadyExists, "already exists: "+c.String())
	}

	child := NewTreeInode(number, t, c, nil, t.store, t.importer, t.cache, t.allocator, t.clock)
	child.uid, child.gid = t.uid, t.gid
	t.children[c] = &childEntry{number: number, kind: KindDirectory, inode: child}
	now := t.clock.Now().UnixNano()
	t.mtime = now
	t.ctime = now
	t.mu.Unlock()

	t.allocator.Register(number, child)
	return child, nil
}

// Entries returns a snapshot of this directory's child names and kinds,
// for readdir. Unloaded children are included without faulting them in.
func (t *TreeInode) Entries() map[vfspath.PathComponent]Kind {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.atime = t.clock.Now().UnixNano()
	out := make(map[vfspath.PathComponent]Kind, len(t.children))
	for name, e := range t.children {
		out[name] = e.kind
	}
	return out
}

// Manifest rebuilds this directory's tree manifest from its current
// children, flushing any dirty file children first. Unloaded children
// contribute their original hash unchanged.
func (t *TreeInode) Manifest(ctx context.Context) (*objectstore.Tree, error) {
	t.mu.Lock()
	names := make([]vfspath.PathComponent, 0, len(t.children))
	entries := make(map[vfspath.PathComponent]*childEntry, len(t.children))
	for name, e := range t.children {
		names = append(names, name)
		entries[name] = e
	}
	t.mu.Unlock()

	tree := &objectstore.Tree{}
	for _, name := range names {
		e := entries[name]
		hash := e.hash
		if e.inode != nil {
			switch child := e.inode.(type) {
			case *FileInode:
				var err error
				hash, err = child.BackingHash(ctx)
				if err != nil {
					return nil, err
				}
			case *TreeInode:
				childTree, err := child.Manifest(ctx)
				if err != nil {
					return nil, err
				}
				h, err := t.store.PutTree(ctx, childTree)
				if err != nil {
					return nil, err
				}
				hash = h
			}
		}
		tree.Entries = append(tree.Entries, objectstore.TreeEntry{
			Name: name.String(),
			Hash: hash,
			Kind: treeEntryKind(e.kind),
		})
	}
	return tree, nil
}

func treeEntryKind(k Kind) objectstore.EntryKind {
	switch k {
	case KindExecutable:
		return objectstore.Executable
	case KindSymlink:
		return objectstore.Symlink
	case KindDirectory:
		return objectstore.Directory
	default:
		return objectstore.Regular
	}
}

// UnloadChildrenNow drops the in-memory Inode for every child with a zero
// lookup count and no outstanding open handles, recursing into
// subdirectories first (post-order), the way a mount is torn down or a
// tree is collapsed back to its unloaded-manifest representation. Each
// unloaded child is recorded with the allocator so that a later lookup by
// number reloads it under the same number.
func (t *TreeInode) UnloadChildrenNow() {
	t.mu.Lock()
	names := make([]vfspath.PathComponent, 0, len(t.children))
	for name := range t.children {
		names = append(names, name)
	}
	t.mu.Unlock()

	for _, name := range names {
		t.mu.Lock()
		entry, ok := t.children[name]
		t.mu.Unlock()
		if !ok || entry.inode == nil {
			continue
		}
		if sub, ok := entry.inode.(*TreeInode); ok {
			sub.UnloadChildrenNow()
		}
		if !entry.inode.Unloadable() {
			continue
		}
		t.unloadEntryLocked(name, entry)
	}
}

// UnloadChild unloads the single named child, if it is currently loaded,
// recording it with the allocator under its retained inode number. The
// caller (inodemap.Map.Forget) is responsible for having already confirmed
// the child is unloadable.
func (t *TreeInode) UnloadChild(name vfspath.PathComponent) {
	t.mu.Lock()
	entry, ok := t.children[name]
	t.mu.Unlock()
	if !ok || entry.inode == nil {
		return
	}
	t.unloadEntryLocked(name, entry)
}

// unloadEntryLocked drops entry's in-memory Inode, releases any blob cache
// interest it held, and records an UnloadedDescriptor with the allocator.
func (t *TreeInode) unloadEntryLocked(name vfspath.PathComponent, entry *childEntry) {
	t.mu.Lock()
	child := entry.inode
	number, hash, kind := entry.number, entry.hash, entry.kind
	entry.inode = nil
	t.mu.Unlock()

	if file, ok := child.(*FileInode); ok {
		file.ReleaseCachedBlob()
	}
	t.allocator.Unload(number, UnloadedDescriptor{Parent: t.number, Name: name, Hash: hash, Kind: kind})
}
