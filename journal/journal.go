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

// Package journal records the mount's history of parent-commit changes, so
// that operations like reset-parent can be audited after the fact without
// consulting the backing source-control system.
package journal

import (
	"sync"

	"github.com/google/uuid"

	"github.com/scmfs/scmfs/objhash"
)

// Entry is one recorded transition of the mount's parent commit.
type Entry struct {
	ID          uuid.UUID
	From        objhash.Hash
	To          objhash.Hash
	FileChanges []string
	Timestamp   int64 // unix nanoseconds, from clock.Clock.Now() at append time
}

// Journal is an append-only, in-memory log of Entry values. It is safe for
// concurrent use.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty Journal.
func New() *Journal {
	return &Journal{}
}

// Append records a new entry and returns its assigned ID.
func (j *Journal) Append(from, to objhash.Hash, fileChanges []string, timestamp int64) uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := uuid.New()
	j.entries = append(j.entries, Entry{
		ID:          id,
		From:        from,
		To:          to,
		FileChanges: fileChanges,
		Timestamp:   timestamp,
	})
	return id
}

// GetLatest returns the most recently appended entry, if any.
func (j *Journal) GetLatest() (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) == 0 {
		return Entry{}, false
	}
	return j.entries[len(j.entries)-1], true
}

// All returns every entry in append order.
func (j *Journal) All() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}
