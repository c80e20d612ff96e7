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

package importer

import (
	"context"
	"sync"

	"github.com/scmfs/scmfs/objectstore"
	"github.com/scmfs/scmfs/objhash"
	"github.com/scmfs/scmfs/vfserrors"
)

// Fake is a test double for Importer, backed by an in-memory table of known
// revisions and blobs, in the style of the fake Hg importer used to drive
// EdenFS's inode tests without a real Mercurial repository.
type Fake struct {
	mu          sync.Mutex
	store       *objectstore.Fake
	revisions   map[objhash.Hash]objhash.Hash // commit -> root tree, already present in store
	knownBlobs  map[objhash.Hash][]byte       // hash -> contents, not yet imported into store
	importCalls int
}

// NewFake returns a Fake that imports blobs into store on demand.
func NewFake(store *objectstore.Fake) *Fake {
	return &Fake{
		store:      store,
		revisions:  make(map[objhash.Hash]objhash.Hash),
		knownBlobs: make(map[objhash.Hash][]byte),
	}
}

// AddRevision registers commit as importable, with rootTree already present
// in the underlying store.
func (f *Fake) AddRevision(commit, rootTree objhash.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions[commit] = rootTree
}

// AddBlob registers hash as an importable blob with the given contents.
func (f *Fake) AddBlob(hash objhash.Hash, contents []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.knownBlobs[hash] = contents
}

// ImportCalls returns the number of ImportFileContents calls observed so
// far, letting tests assert on import coalescing.
func (f *Fake) ImportCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.importCalls
}

func (f *Fake) ImportManifest(ctx context.Context, commit objhash.Hash) (objhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	root, ok := f.revisions[commit]
	if !ok {
		return objhash.Zero, vfserrors.New(vfserrors.Domain, "unknown revision "+commit.String())
	}
	if err := f.store.PutCommit(ctx, commit, root); err != nil {
		return objhash.Zero, err
	}
	return root, nil
}

func (f *Fake) ImportFileContents(ctx context.Context, hash objhash.Hash) (*objectstore.Blob, error) {
	f.mu.Lock()
	f.importCalls++
	contents, ok := f.knownBlobs[hash]
	f.mu.Unlock()

	if !ok {
		return nil, vfserrors.New(vfserrors.NotFound, "value not present in store: "+hash.String())
	}

	f.store.PutBlobAt(hash, contents)
	b, _, err := f.store.GetBlob(ctx, hash)
	return b, err
}

var _ Importer = (*Fake)(nil)
