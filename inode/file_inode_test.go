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

package inode_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmfs/scmfs/blobcache"
	"github.com/scmfs/scmfs/clock"
	"github.com/scmfs/scmfs/importer"
	"github.com/scmfs/scmfs/inode"
	"github.com/scmfs/scmfs/objectstore"
	"github.com/scmfs/scmfs/objhash"
	"github.com/scmfs/scmfs/vfspath"
)

func newFixture(t *testing.T) (*objectstore.Fake, *importer.Fake, *blobcache.Cache, clock.Clock) {
	t.Helper()
	store := objectstore.NewFake()
	imp := importer.NewFake(store)
	cache := blobcache.New(1<<20, 0)
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	return store, imp, cache, clk
}

func TestFileInodeReadFetchesFromImporterOnMiss(t *testing.T) {
	store, imp, cache, clk := newFixture(t)
	hash := objhash.MustParse("0000000000000000000000000000000000000001")
	imp.AddBlob(hash, []byte("hello world"))

	name, err := vfspath.NewPathComponent("greeting.txt")
	require.NoError(t, err)

	f := inode.NewFileInode(fuseops.InodeID(2), inode.KindRegular, nil, name, hash, store, imp, cache, clk)

	buf := make([]byte, 5)
	n, err := f.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, 1, imp.ImportCalls())

	// A second read should be served from the object store / blob cache,
	// not trigger a second importer round trip.
	_, err = f.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, imp.ImportCalls())
}

func TestFileInodeWriteMaterializesAndFlushes(t *testing.T) {
	store, imp, cache, clk := newFixture(t)
	name, err := vfspath.NewPathComponent("scratch.txt")
	require.NoError(t, err)

	f := inode.NewFileInode(fuseops.InodeID(2), inode.KindRegular, nil, name, objhash.Zero, store, imp, cache, clk)

	ctx := context.Background()
	n, err := f.WriteAt(ctx, []byte("payload"), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	hash, err := f.BackingHash(ctx)
	require.NoError(t, err)
	assert.False(t, hash.IsZero())

	stored, found, err := store.GetBlob(ctx, hash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", string(stored.Data))
}

func TestFileHandleOpenCountTracksOutstandingHandles(t *testing.T) {
	store, imp, cache, clk := newFixture(t)
	name, err := vfspath.NewPathComponent("f")
	require.NoError(t, err)
	f := inode.NewFileInode(fuseops.InodeID(2), inode.KindRegular, nil, name, objhash.Zero, store, imp, cache, clk)

	h1 := inode.OpenFile(f)
	h2 := inode.OpenFile(f)
	assert.EqualValues(t, 2, f.OpenCount())

	h1.Release()
	assert.EqualValues(t, 1, f.OpenCount())

	h2.Release()
	assert.EqualValues(t, 0, f.OpenCount())
}

func TestSetAttrAppliesPermissionBitsAndBumpsCtime(t *testing.T) {
	store, imp, cache, _ := newFixture(t)
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	name, err := vfspath.NewPathComponent("f")
	require.NoError(t, err)
	f := inode.NewFileInode(fuseops.InodeID(2), inode.KindRegular, nil, name, objhash.Zero, store, imp, cache, clk)

	ctx := context.Background()
	before, err := f.Attributes(ctx)
	require.NoError(t, err)

	clk.AdvanceTime(time.Hour)
	mode := os.FileMode(0600)
	uid := uint32(42)
	attr, err := f.SetAttr(ctx, inode.AttrFields{Mode: &mode, Uid: &uid})
	require.NoError(t, err)

	assert.Equal(t, os.FileMode(0600), attr.Mode&os.ModePerm, "permission bits should be updated")
	assert.Equal(t, uid, attr.Uid)
	assert.NotEqual(t, before.Ctime, attr.Ctime, "ctime should be bumped on a metadata-only change")
	assert.Equal(t, before.Mtime, attr.Mtime, "mtime should not change for a metadata-only SetAttr")
}

func TestTruncateShrinksAndGrowsContent(t *testing.T) {
	store, imp, cache, clk := newFixture(t)
	hash := objhash.MustParse("0000000000000000000000000000000000000001")
	imp.AddBlob(hash, []byte("hello world"))

	name, err := vfspath.NewPathComponent("f")
	require.NoError(t, err)
	f := inode.NewFileInode(fuseops.InodeID(2), inode.KindRegular, nil, name, hash, store, imp, cache, clk)

	ctx := context.Background()
	require.NoError(t, f.Truncate(ctx, 5))

	buf := make([]byte, 5)
	n, err := f.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, f.Truncate(ctx, 8))
	buf = make([]byte, 8)
	n, err = f.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\x00\x00\x00", string(buf[:n]))

	attr, err := f.Attributes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, attr.Size)
}

func TestLookupCountReachesZeroReportsUnload(t *testing.T) {
	store, imp, cache, clk := newFixture(t)
	name, err := vfspath.NewPathComponent("f")
	require.NoError(t, err)
	f := inode.NewFileInode(fuseops.InodeID(2), inode.KindRegular, nil, name, objhash.Zero, store, imp, cache, clk)

	f.IncrementLookupCount(2)
	assert.False(t, f.DecrementLookupCount(1))
	assert.True(t, f.DecrementLookupCount(1))
}
