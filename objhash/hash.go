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

// Package objhash defines the opaque, fixed-width content identifier shared
// by commits, trees, and blobs. The three namespaces may overlap; callers
// must supply context when asking a collaborator to resolve a hash.
package objhash

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/scmfs/scmfs/vfserrors"
)

// Size is the width, in bytes, of a Hash. 20 bytes matches the convention
// used throughout the source-control ecosystem this core was built against.
const Size = 20

// Hash is an opaque fixed-width content identifier with a total order and a
// stable textual form. It does not encode which namespace (commit, tree, or
// blob) it was produced in.
type Hash [Size]byte

// Zero is the hash with every byte unset. It is never a valid commit, tree,
// or blob hash produced by an importer, and is used as a sentinel.
var Zero Hash

// Parse decodes the hex string s into a Hash. It fails with InvalidArgument
// if s is not exactly 2*Size hex characters.
func Parse(s string) (Hash, error) {
	var h Hash

	if len(s) != Size*2 {
		return h, vfserrors.New(vfserrors.InvalidArgument,
			fmt.Sprintf("hash %q: want %d hex characters, got %d", s, Size*2, len(s)))
	}

	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return Hash{}, vfserrors.Wrap(vfserrors.InvalidArgument, err, fmt.Sprintf("hash %q", s))
	}
	if n != Size {
		return Hash{}, vfserrors.New(vfserrors.InvalidArgument, fmt.Sprintf("hash %q: short decode", s))
	}

	return h, nil
}

// MustParse is like Parse but panics on error. It exists for tests and
// constant-like initialization of known-good hashes.
func MustParse(s string) Hash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the stable lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Less defines a total order over hashes, suitable for deterministic
// iteration and sorted output.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}
