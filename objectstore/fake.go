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

package objectstore

import (
	"context"
	"crypto/sha1"
	"sync"

	"github.com/scmfs/scmfs/objhash"
)

// Fake is an in-memory Store, intended for tests, analogous to the gcsfake
// bucket used to exercise gcsfuse's inode package without a real GCS
// dependency.
type Fake struct {
	mu      sync.Mutex
	trees   map[objhash.Hash]*Tree
	blobs   map[objhash.Hash]*Blob
	commits map[objhash.Hash]objhash.Hash
}

// NewFake returns an empty in-memory store.
func NewFake() *Fake {
	return &Fake{
		trees:   make(map[objhash.Hash]*Tree),
		blobs:   make(map[objhash.Hash]*Blob),
		commits: make(map[objhash.Hash]objhash.Hash),
	}
}

func hashOf(data []byte) objhash.Hash {
	sum := sha1.Sum(data)
	var h objhash.Hash
	copy(h[:], sum[:])
	return h
}

func (f *Fake) GetTree(_ context.Context, hash objhash.Hash) (*Tree, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trees[hash]
	return t, ok, nil
}

func (f *Fake) GetBlob(_ context.Context, hash objhash.Hash) (*Blob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[hash]
	return b, ok, nil
}

func (f *Fake) PutTree(_ context.Context, tree *Tree) (objhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf []byte
	for _, e := range tree.Entries {
		buf = append(buf, []byte(e.Name)...)
		buf = append(buf, e.Hash[:]...)
	}
	h := hashOf(buf)
	f.trees[h] = tree
	return h, nil
}

func (f *Fake) PutBlob(_ context.Context, data []byte) (objhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := hashOf(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	f.blobs[h] = &Blob{Hash: h, Data: cp}
	return h, nil
}

func (f *Fake) PutCommit(_ context.Context, commit objhash.Hash, rootTree objhash.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[commit] = rootTree
	return nil
}

func (f *Fake) GetCommitRootTree(_ context.Context, commit objhash.Hash) (objhash.Hash, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.commits[commit]
	return h, ok, nil
}

// PutTreeAt is a test convenience that puts a tree and registers it under an
// explicit hash rather than one derived from content, mirroring the way
// test fixtures in fs/inode/dir_test.go hand-pick object names.
func (f *Fake) PutTreeAt(hash objhash.Hash, tree *Tree) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[hash] = tree
}

// PutBlobAt is the Blob analogue of PutTreeAt.
func (f *Fake) PutBlobAt(hash objhash.Hash, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.blobs[hash] = &Blob{Hash: hash, Data: cp}
}

var _ Store = (*Fake)(nil)
