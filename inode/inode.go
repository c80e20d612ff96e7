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

// Package inode implements the in-memory inode graph: tree inodes
// (directories), file inodes (regular files and symlinks), their lifecycle
// with respect to the kernel's lookup count, and on-demand loading of
// children from the object store and importer.
package inode

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/scmfs/scmfs/clock"
	"github.com/scmfs/scmfs/vfspath"
)

// Kind distinguishes the four inode kinds the core knows about: regular,
// executable, symlink, and directory. Unlike
// the backing source-control system, which tracks executable bit and
// symlink-ness as tree entry metadata, the core materializes each as its
// own FileInode kind so that open/read/write have a single code path.
type Kind int

const (
	KindRegular Kind = iota
	KindExecutable
	KindSymlink
	KindDirectory
)

// Inode is the common surface every inode in the graph implements. Each
// concrete type (TreeInode, FileInode) embeds header for the fields and
// bookkeeping this interface exposes.
type Inode interface {
	// Number returns this inode's kernel-visible identity. It never changes
	// for the lifetime of the process.
	Number() fuseops.InodeID

	// Kind reports whether this is a file, symlink, or directory.
	Kind() Kind

	// Name returns the inode's name within its parent. The root inode
	// returns the empty PathComponent.
	Name() vfspath.PathComponent

	// Parent returns the containing TreeInode, or nil for the root.
	Parent() *TreeInode

	// IncrementLookupCount records that the kernel has been handed one more
	// reference to this inode (e.g. via lookup or readdir-with-plus).
	IncrementLookupCount(n uint64)

	// DecrementLookupCount processes a forget from the kernel. It reports
	// whether the lookup count reached zero, in which case the caller (the
	// inode map) must unload the inode.
	DecrementLookupCount(n uint64) bool

	// Attributes returns the inode's current fuseops.InodeAttributes.
	Attributes(ctx context.Context) (fuseops.InodeAttributes, error)

	// Unloadable reports whether nothing currently references this inode:
	// zero kernel lookup count and, for files, zero open handles.
	Unloadable() bool

	// LookupCount reports the number of outstanding kernel lookup
	// references currently held for this inode.
	LookupCount() uint64
}

// header holds the fields and bookkeeping common to every inode kind. It is
// embedded, never used standalone.
type header struct {
	clock clock.Clock

	number fuseops.InodeID
	kind   Kind

	// The following fields are owned by the inode's own mutex, which lives
	// on the concrete type embedding header (FileInode or TreeInode), not
	// here, since jacobsa/syncutil.InvariantMutex's checkInvariants closure
	// needs access to the concrete type's additional state too.
	parent       *TreeInode
	name         vfspath.PathComponent
	lookupCount  uint64
	uid          uint32
	gid          uint32
	atime        int64
	mtime        int64
	ctime        int64
}

func (h *header) Number() fuseops.InodeID     { return h.number }
func (h *header) Kind() Kind                  { return h.kind }
func (h *header) Name() vfspath.PathComponent { return h.name }
func (h *header) Parent() *TreeInode          { return h.parent }

// incrementLookupCount must be called with the owning inode's lock held.
func (h *header) incrementLookupCount(n uint64) {
	h.lookupCount += n
}

// decrementLookupCount must be called with the owning inode's lock held. It
// reports whether the count reached zero.
func (h *header) decrementLookupCount(n uint64) bool {
	if n > h.lookupCount {
		panic("inode: forget count exceeds lookup count")
	}
	h.lookupCount -= n
	return h.lookupCount == 0
}
