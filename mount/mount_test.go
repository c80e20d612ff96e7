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

package mount_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scmfs/scmfs/blobcache"
	"github.com/scmfs/scmfs/clock"
	"github.com/scmfs/scmfs/importer"
	"github.com/scmfs/scmfs/inode"
	"github.com/scmfs/scmfs/internal/logger"
	"github.com/scmfs/scmfs/journal"
	"github.com/scmfs/scmfs/mount"
	"github.com/scmfs/scmfs/objectstore"
	"github.com/scmfs/scmfs/objhash"
	"github.com/scmfs/scmfs/vfserrors"
	"github.com/scmfs/scmfs/vfspath"
)

type fixture struct {
	store *objectstore.Fake
	imp   *importer.Fake
	cache *blobcache.Cache
	clk   *clock.SimulatedClock
	mnt   *mount.Mount
}

func newFixture(t *testing.T, entries []objectstore.TreeEntry) *fixture {
	t.Helper()

	store := objectstore.NewFake()
	imp := importer.NewFake(store)
	cache := blobcache.New(1<<20, 0)
	clk := clock.NewSimulatedClock(time.Unix(1000, 0))

	rootHash, err := store.PutTree(context.Background(), &objectstore.Tree{Entries: entries})
	require.NoError(t, err)

	commit := objhash.MustParse("0000000000000000000000000000000000000001")
	require.NoError(t, store.PutCommit(context.Background(), commit, rootHash))

	m := mount.New(clk, store, imp, cache, journal.New(), nil, mount.Owner{Uid: 1, Gid: 1}, logger.New(logger.Config{}))
	require.NoError(t, m.Initialize(context.Background(), commit))

	return &fixture{store: store, imp: imp, cache: cache, clk: clk, mnt: m}
}

func TestInitializeSetsParentAndCheckoutTime(t *testing.T) {
	f := newFixture(t, nil)
	parents := f.mnt.GetParentCommits()
	require.Len(t, parents, 1)
	assert.EqualValues(t, time.Unix(1000, 0).UnixNano(), f.mnt.GetLastCheckoutTime())
}

func TestGetInodeByPathWalksDirectories(t *testing.T) {
	f := newFixture(t, nil)

	// Build dir/sub/file.txt by hand via EnsureDirectoryExists + CreateChild,
	// the way a higher layer would materialize a freshly created path.
	rel, err := vfspath.ParseRelative("dir/sub")
	require.NoError(t, err)
	subdir, err := f.mnt.EnsureDirectoryExists(context.Background(), rel)
	require.NoError(t, err)

	name, err := vfspath.NewPathComponent("file.txt")
	require.NoError(t, err)
	_, err = subdir.CreateChild(name, inode.KindRegular, 999)
	require.NoError(t, err)

	path, err := vfspath.ParseRelative("dir/sub/file.txt")
	require.NoError(t, err)
	in, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(path))
	require.NoError(t, err)
	assert.Equal(t, inode.KindRegular, in.Kind())
}

func TestEnsureDirectoryExistsIsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	rel, err := vfspath.ParseRelative("a/b/c")
	require.NoError(t, err)

	const goroutines = 16
	results := make([]*inode.TreeInode, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			dir, ensureErr := f.mnt.EnsureDirectoryExists(context.Background(), rel)
			require.NoError(t, ensureErr)
			results[i] = dir
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i], "concurrent ensures of the same path must agree on one directory")
	}
}

// TestSymlinkResolutionQuirk exercises the "BAD BAD BAD" behavior: dir/a is
// a symlink to "b", and dir/b is a symlink to "src/c". Resolving dir/a must
// resolve "src/c" relative to "dir" (the directory containing "b", which is
// also the directory containing "a"), not relative to the mount root, even
// though "src" does not exist at the mount root at all in this fixture.
func TestSymlinkResolutionQuirk(t *testing.T) {
	f := newFixture(t, nil)

	dirRel, err := vfspath.ParseRelative("dir")
	require.NoError(t, err)
	dir, err := f.mnt.EnsureDirectoryExists(context.Background(), dirRel)
	require.NoError(t, err)

	srcName, err := vfspath.NewPathComponent("src")
	require.NoError(t, err)
	srcDir, err := dir.Mkdir(srcName, 500)
	require.NoError(t, err)

	cName, err := vfspath.NewPathComponent("c")
	require.NoError(t, err)
	_, err = srcDir.CreateChild(cName, inode.KindRegular, 501)
	require.NoError(t, err)
	cFile, err := srcDir.Lookup(context.Background(), cName)
	require.NoError(t, err)
	_, err = cFile.(*inode.FileInode).WriteAt(context.Background(), []byte("payload"), 0)
	require.NoError(t, err)

	bName, err := vfspath.NewPathComponent("b")
	require.NoError(t, err)
	b, err := dir.CreateChild(bName, inode.KindSymlink, 502)
	require.NoError(t, err)
	_, err = b.WriteAt(context.Background(), []byte("src/c"), 0)
	require.NoError(t, err)

	aName, err := vfspath.NewPathComponent("a")
	require.NoError(t, err)
	a, err := dir.CreateChild(aName, inode.KindSymlink, 503)
	require.NoError(t, err)
	_, err = a.WriteAt(context.Background(), []byte("b"), 0)
	require.NoError(t, err)

	resolved, err := f.mnt.ResolveSymlink(context.Background(), a)
	require.NoError(t, err)

	resolvedFile, ok := resolved.(*inode.FileInode)
	require.True(t, ok)
	buf := make([]byte, 7)
	n, err := resolvedFile.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestSymlinkLoopIsDetected(t *testing.T) {
	f := newFixture(t, nil)
	name, err := vfspath.NewPathComponent("loop")
	require.NoError(t, err)
	link, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)
	root := link.(*inode.TreeInode)

	self, err := root.CreateChild(name, inode.KindSymlink, 600)
	require.NoError(t, err)
	_, err = self.WriteAt(context.Background(), []byte("loop"), 0)
	require.NoError(t, err)

	_, err = f.mnt.ResolveSymlink(context.Background(), self)
	require.Error(t, err)
	assert.True(t, vfserrors.Is(err, vfserrors.SymlinkLoop))
}

func TestResetParentUpdatesJournalWithoutTouchingWorkingTree(t *testing.T) {
	f := newFixture(t, nil)

	name, err := vfspath.NewPathComponent("keep.txt")
	require.NoError(t, err)
	_, err = f.mnt.EnsureDirectoryExists(context.Background(), nil)
	require.NoError(t, err)
	root, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)
	_, err = root.(*inode.TreeInode).CreateChild(name, inode.KindRegular, 700)
	require.NoError(t, err)

	newRootHash, err := f.store.PutTree(context.Background(), &objectstore.Tree{})
	require.NoError(t, err)
	newCommit := objhash.MustParse("0000000000000000000000000000000000000002")
	require.NoError(t, f.store.PutCommit(context.Background(), newCommit, newRootHash))

	f.clk.SetTime(time.Unix(2000, 0))
	require.NoError(t, f.mnt.ResetParent(context.Background(), newCommit, []string{"keep.txt"}))

	parents := f.mnt.GetParentCommits()
	require.Len(t, parents, 1)
	assert.Equal(t, newCommit, parents[0])
	assert.EqualValues(t, time.Unix(2000, 0).UnixNano(), f.mnt.GetLastCheckoutTime())

	// The working tree (the file created above) must still be reachable;
	// ResetParent only moves which commit the mount considers its parent.
	stillThere, err := root.(*inode.TreeInode).Lookup(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, fuseops.InodeID(700), stillThere.Number())
}

func TestChownReportsNoChangeAsSuccess(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mnt.Chown(context.Background(), 1, 1))
	require.NoError(t, f.mnt.Chown(context.Background(), 1, 1))
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []fuseops.InodeID
}

func (r *recordingInvalidator) InvalidateInode(id fuseops.InodeID, offset, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return nil
}

func (r *recordingInvalidator) invalidated(id fuseops.InodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.calls {
		if got == id {
			return true
		}
	}
	return false
}

// TestChownUpdatesDefaultOwnerAndGatesInvalidationOnLookupCount exercises
// the mount-wide Chown: it sets the mount's default owner, updates every
// loaded inode's uid/gid regardless of lookup count, but only invalidates
// the kernel's cache for inodes the kernel still holds a reference to.
func TestChownUpdatesDefaultOwnerAndGatesInvalidationOnLookupCount(t *testing.T) {
	store := objectstore.NewFake()
	imp := importer.NewFake(store)
	cache := blobcache.New(1<<20, 0)
	clk := clock.NewSimulatedClock(time.Unix(1000, 0))

	rootHash, err := store.PutTree(context.Background(), &objectstore.Tree{})
	require.NoError(t, err)
	commit := objhash.MustParse("0000000000000000000000000000000000000001")
	require.NoError(t, store.PutCommit(context.Background(), commit, rootHash))

	invalid := &recordingInvalidator{}
	m := mount.New(clk, store, imp, cache, journal.New(), invalid, mount.Owner{Uid: 1, Gid: 1}, logger.New(logger.Config{}))
	require.NoError(t, m.Initialize(context.Background(), commit))

	root, err := m.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)
	dir := root.(*inode.TreeInode)

	liveName, err := vfspath.NewPathComponent("live.txt")
	require.NoError(t, err)
	live, err := dir.CreateChild(liveName, inode.KindRegular, 801)
	require.NoError(t, err)
	live.IncrementLookupCount(1)

	quietName, err := vfspath.NewPathComponent("quiet.txt")
	require.NoError(t, err)
	quiet, err := dir.CreateChild(quietName, inode.KindRegular, 802)
	require.NoError(t, err)

	require.NoError(t, m.Chown(context.Background(), 1024, 2048))

	liveAttrs, err := live.Attributes(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1024, liveAttrs.Uid)
	assert.EqualValues(t, 2048, liveAttrs.Gid)

	quietAttrs, err := quiet.Attributes(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1024, quietAttrs.Uid)

	assert.True(t, invalid.invalidated(801), "positive lookup count must be invalidated")
	assert.False(t, invalid.invalidated(802), "zero lookup count must be updated silently")

	newName, err := vfspath.NewPathComponent("after-chown.txt")
	require.NoError(t, err)
	created, err := dir.CreateChild(newName, inode.KindRegular, 803)
	require.NoError(t, err)
	createdAttrs, err := created.Attributes(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1024, createdAttrs.Uid, "mount default owner must carry over to new files")
}

// TestCreateChildStampsAllThreeTimestampsFromClock covers property #6/#7:
// creation stamps atime, mtime, and ctime from the clock, and those
// stamped values survive a later clock advance rather than tracking the
// current time.
func TestCreateChildStampsAllThreeTimestampsFromClock(t *testing.T) {
	f := newFixture(t, nil)
	root, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)

	name, err := vfspath.NewPathComponent("new.txt")
	require.NoError(t, err)
	child, err := root.(*inode.TreeInode).CreateChild(name, inode.KindRegular, 900)
	require.NoError(t, err)

	want := time.Unix(1000, 0)
	f.clk.AdvanceTime(time.Hour)

	attrs, err := child.Attributes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, attrs.Atime)
	assert.Equal(t, want, attrs.Mtime)
	assert.Equal(t, want, attrs.Ctime)
}

func TestSymlinkAbsoluteTargetIsPermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	root, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)

	name, err := vfspath.NewPathComponent("d")
	require.NoError(t, err)
	link, err := root.(*inode.TreeInode).CreateChild(name, inode.KindSymlink, 610)
	require.NoError(t, err)
	_, err = link.WriteAt(context.Background(), []byte("/tmp"), 0)
	require.NoError(t, err)

	_, err = f.mnt.ResolveSymlink(context.Background(), link)
	require.Error(t, err)
	assert.True(t, vfserrors.Is(err, vfserrors.PermissionDenied))
}

func TestSymlinkEscapingMountRootIsCrossDeviceLink(t *testing.T) {
	f := newFixture(t, nil)
	root, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)

	name, err := vfspath.NewPathComponent("link_outside_mount")
	require.NoError(t, err)
	link, err := root.(*inode.TreeInode).CreateChild(name, inode.KindSymlink, 611)
	require.NoError(t, err)
	_, err = link.WriteAt(context.Background(), []byte("../outside_mount"), 0)
	require.NoError(t, err)

	_, err = f.mnt.ResolveSymlink(context.Background(), link)
	require.Error(t, err)
	assert.True(t, vfserrors.Is(err, vfserrors.CrossDeviceLink))
}

// TestSymlinkDotDotResolvesToContainingDirectory covers the
// "link_to_dir -> ../src" case: a ".." hop inside the mount walks up to
// the parent directory rather than being rejected outright.
func TestSymlinkDotDotResolvesToContainingDirectory(t *testing.T) {
	f := newFixture(t, nil)
	root, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)

	srcName, err := vfspath.NewPathComponent("src")
	require.NoError(t, err)
	src, err := root.(*inode.TreeInode).Mkdir(srcName, 620)
	require.NoError(t, err)

	linkName, err := vfspath.NewPathComponent("link_to_dir")
	require.NoError(t, err)
	link, err := src.CreateChild(linkName, inode.KindSymlink, 621)
	require.NoError(t, err)
	_, err = link.WriteAt(context.Background(), []byte("../src"), 0)
	require.NoError(t, err)

	resolved, err := f.mnt.ResolveSymlink(context.Background(), link)
	require.NoError(t, err)
	assert.Same(t, src, resolved)
}

func TestSymlinkUnresolvedTargetIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	root, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)

	name, err := vfspath.NewPathComponent("badlink")
	require.NoError(t, err)
	link, err := root.(*inode.TreeInode).CreateChild(name, inode.KindSymlink, 612)
	require.NoError(t, err)
	_, err = link.WriteAt(context.Background(), []byte("link/to/nowhere"), 0)
	require.NoError(t, err)

	_, err = f.mnt.ResolveSymlink(context.Background(), link)
	require.Error(t, err)
	assert.True(t, vfserrors.Is(err, vfserrors.NotFound))
}

func TestGetInodeByNumberReturnsLoadedInode(t *testing.T) {
	f := newFixture(t, nil)
	root, err := f.mnt.GetInodeByPath(context.Background(), vfspath.NewAbsolutePath(nil))
	require.NoError(t, err)

	name, err := vfspath.NewPathComponent("byid.txt")
	require.NoError(t, err)
	_, err = root.(*inode.TreeInode).CreateChild(name, inode.KindRegular, 950)
	require.NoError(t, err)

	got, err := f.mnt.GetInodeByNumber(context.Background(), 950)
	require.NoError(t, err)
	assert.Equal(t, fuseops.InodeID(950), got.Number())
}
