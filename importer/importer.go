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

// Package importer defines the collaborator that pulls manifests and blob
// contents from the backing source-control system on demand, the way
// HgImporter feeds EdenFS's inode layer.
package importer

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/scmfs/scmfs/objectstore"
	"github.com/scmfs/scmfs/objhash"
	"github.com/scmfs/scmfs/vfserrors"
)

// Importer fetches manifests (trees) and file contents (blobs) for a
// revision that has not yet been materialized into the local object store.
// Implementations are expected to be safe for concurrent use.
type Importer interface {
	// ImportManifest fetches the root tree for a commit, importing any trees
	// reachable from it that are not already present in the store. It
	// returns vfserrors.Domain if the revision is unknown to the backing
	// system.
	ImportManifest(ctx context.Context, commit objhash.Hash) (objhash.Hash, error)

	// ImportFileContents fetches the blob contents for hash, importing it
	// into the store. It returns vfserrors.NotFound if the backing system
	// has no record of the object.
	ImportFileContents(ctx context.Context, hash objhash.Hash) (*objectstore.Blob, error)
}

// Throttled wraps an Importer with a token-bucket rate limit, so that a burst
// of concurrent faults (e.g. many sibling lookups unloading at once) doesn't
// hammer the backing source-control system.
type Throttled struct {
	inner   Importer
	limiter *rate.Limiter
}

// NewThrottled wraps inner with a limiter allowing up to rps import calls per
// second, with burst concurrent calls admitted immediately.
func NewThrottled(inner Importer, rps float64, burst int) *Throttled {
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (t *Throttled) ImportManifest(ctx context.Context, commit objhash.Hash) (objhash.Hash, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return objhash.Zero, vfserrors.Wrap(vfserrors.ImporterFailure, err, "rate limiter wait")
	}
	return t.inner.ImportManifest(ctx, commit)
}

func (t *Throttled) ImportFileContents(ctx context.Context, hash objhash.Hash) (*objectstore.Blob, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, vfserrors.Wrap(vfserrors.ImporterFailure, err, "rate limiter wait")
	}
	return t.inner.ImportFileContents(ctx, hash)
}

var _ Importer = (*Throttled)(nil)
