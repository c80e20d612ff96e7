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

// Package inodemap tracks the kernel-visible inode number space: which
// numbers are currently loaded, allocation of new numbers, and unloading
// inodes whose kernel lookup count has dropped to zero.
package inodemap

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"

	"github.com/scmfs/scmfs/inode"
	"github.com/scmfs/scmfs/vfserrors"
)

// RootInodeID is the fixed number of the mount's root directory, matching
// the kernel's own convention.
const RootInodeID = fuseops.RootInodeID

// Map owns the monotonic allocation of inode numbers and the two
// registries an inode number can live in: loaded (a live *inode.Inode) or
// unloaded (an inode.UnloadedDescriptor recording how to reload it). Every
// number that has been registered is in exactly one of the two, and the
// root is always loaded; a number that is allocated but never registered
// is in neither. Lock ordering: Map's lock is always acquired
// before any individual inode's lock, never after.
type Map struct {
	mu syncutil.InvariantMutex

	next     fuseops.InodeID                           // GUARDED_BY(mu)
	loaded   map[fuseops.InodeID]inode.Inode             // GUARDED_BY(mu)
	unloaded map[fuseops.InodeID]inode.UnloadedDescriptor // GUARDED_BY(mu)
}

// New returns a Map with only the root inode registered.
func New(root *inode.TreeInode) *Map {
	m := &Map{
		next:     RootInodeID + 1,
		loaded:   make(map[fuseops.InodeID]inode.Inode),
		unloaded: make(map[fuseops.InodeID]inode.UnloadedDescriptor),
	}
	m.loaded[RootInodeID] = root
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

func (m *Map) checkInvariants() {
	if _, ok := m.loaded[RootInodeID]; !ok {
		panic("inodemap: root inode missing from registry")
	}
	for number := range m.unloaded {
		if _, ok := m.loaded[number]; ok {
			panic("inodemap: inode number both loaded and unloaded")
		}
	}
}

// Allocate mints a fresh inode number. It satisfies inode.Allocator.
func (m *Map) Allocate() fuseops.InodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	return id
}

// Register records that number is now backed by in, so that a later
// GetLoaded sees it, and drops any unloaded record for number. Called by a
// TreeInode once it has constructed a loaded, created, or made child,
// without holding the TreeInode's own lock.
func (m *Map) Register(number fuseops.InodeID, in inode.Inode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded[number] = in
	delete(m.unloaded, number)
}

// GetLoaded returns the inode currently registered under number, if any.
// It does not fault anything in: loading happens via TreeInode.Lookup,
// which then calls Register.
func (m *Map) GetLoaded(number fuseops.InodeID) (inode.Inode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.loaded[number]
	if !ok {
		return nil, vfserrors.New(vfserrors.NotFound, "inode not loaded")
	}
	return in, nil
}

// Unload moves number from the loaded registry to the unloaded registry,
// recording desc so that a later Load call can reload the same logical
// inode under the same number. It satisfies inode.Allocator.
func (m *Map) Unload(number fuseops.InodeID, desc inode.UnloadedDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, number)
	m.unloaded[number] = desc
}

// Load returns the inode currently identified by number, reloading it (and
// any unloaded ancestors on the path to it) from its nearest loaded
// ancestor if it isn't already loaded. The reloaded inode always receives
// the same number it held before being unloaded, since the owning
// TreeInode retains the number in its child table across an unload.
func (m *Map) Load(ctx context.Context, number fuseops.InodeID) (inode.Inode, error) {
	m.mu.Lock()
	if in, ok := m.loaded[number]; ok {
		m.mu.Unlock()
		return in, nil
	}
	desc, ok := m.unloaded[number]
	m.mu.Unlock()
	if !ok {
		return nil, vfserrors.New(vfserrors.NotFound, "inode not loaded")
	}

	parent, err := m.Load(ctx, desc.Parent)
	if err != nil {
		return nil, err
	}
	dir, ok := parent.(*inode.TreeInode)
	if !ok {
		return nil, vfserrors.New(vfserrors.NotADirectory, "unloaded parent is not a directory")
	}
	return dir.Lookup(ctx, desc.Name)
}

// AllLoaded returns a snapshot of every inode currently loaded, for
// operations such as a mount-wide chown that must visit the whole loaded
// set.
func (m *Map) AllLoaded() []inode.Inode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]inode.Inode, 0, len(m.loaded))
	for _, in := range m.loaded {
		out = append(out, in)
	}
	return out
}

// Forget processes a kernel forget of n lookup references against number.
// If the inode becomes unloadable (lookup count reaches zero and, for a
// file, it has no open handles), it is unloaded from its parent's child
// table and recorded in the unloaded registry; a directory additionally
// unloads any of its own children that have also become unloadable.
func (m *Map) Forget(number fuseops.InodeID, n uint64) {
	m.mu.Lock()
	in, ok := m.loaded[number]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !in.DecrementLookupCount(n) {
		return
	}

	// The root has no parent and is always loaded.
	if number != RootInodeID && in.Unloadable() {
		if parent := in.Parent(); parent != nil {
			parent.UnloadChild(in.Name())
		}
	}

	if dir, ok := in.(*inode.TreeInode); ok {
		dir.UnloadChildrenNow()
	}
}

var _ inode.Allocator = (*Map)(nil)

// Root returns the mount's root directory inode.
func (m *Map) Root() *inode.TreeInode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded[RootInodeID].(*inode.TreeInode)
}
