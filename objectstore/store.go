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

// Package objectstore defines the content-addressed object store
// collaborator: commits, trees, and blobs keyed by objhash.Hash. The core
// treats it as an external dependency; this package also ships an in-memory
// fake for tests, in the spirit of the gcsfake bucket used to test GCS-fuse.
package objectstore

import (
	"context"
	"os"

	"github.com/scmfs/scmfs/objhash"
)

// EntryKind is the type of a tree entry.
type EntryKind int

const (
	Regular EntryKind = iota
	Executable
	Symlink
	Directory
)

// TreeEntry is one named child within a Tree manifest.
type TreeEntry struct {
	Name  string
	Hash  objhash.Hash
	Kind  EntryKind
	Mode  os.FileMode // owner-permission bits only
}

// Tree is an immutable, ordered manifest of named children.
type Tree struct {
	Entries []TreeEntry
}

// Blob is an immutable byte vector with a known hash and length.
type Blob struct {
	Hash objhash.Hash
	Data []byte
}

// Store is the external content-addressed object store: get/put for trees
// and blobs by hash, plus recording a commit's root tree.
type Store interface {
	GetTree(ctx context.Context, hash objhash.Hash) (*Tree, bool, error)
	GetBlob(ctx context.Context, hash objhash.Hash) (*Blob, bool, error)
	PutTree(ctx context.Context, tree *Tree) (objhash.Hash, error)
	PutBlob(ctx context.Context, data []byte) (objhash.Hash, error)
	PutCommit(ctx context.Context, commit objhash.Hash, rootTree objhash.Hash) error
	GetCommitRootTree(ctx context.Context, commit objhash.Hash) (objhash.Hash, bool, error)
}
