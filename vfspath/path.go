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

// Package vfspath defines path value types used throughout the core.
// Normalization happens at construction; these types never perform
// filesystem I/O.
package vfspath

import (
	"fmt"
	"strings"

	"github.com/scmfs/scmfs/vfserrors"
)

// PathComponent is a single path element: never empty, never "." or "..",
// and never containing the separator.
type PathComponent string

// NewPathComponent validates and returns s as a PathComponent.
func NewPathComponent(s string) (PathComponent, error) {
	switch {
	case s == "":
		return "", vfserrors.New(vfserrors.InvalidArgument, "empty path component")
	case s == ".", s == "..":
		return "", vfserrors.New(vfserrors.InvalidArgument, fmt.Sprintf("illegal path component %q", s))
	case strings.ContainsRune(s, '/'):
		return "", vfserrors.New(vfserrors.InvalidArgument, fmt.Sprintf("path component %q contains separator", s))
	}
	return PathComponent(s), nil
}

func (c PathComponent) String() string { return string(c) }

// RelativePath is a possibly-empty ordered sequence of components.
type RelativePath []PathComponent

// ParseRelative splits s on "/" and validates every component. An empty
// string yields the empty RelativePath. Repeated slashes are rejected as
// malformed rather than silently collapsed, since this type never performs
// normalization beyond component validation.
func ParseRelative(s string) (RelativePath, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, "/")
	out := make(RelativePath, 0, len(parts))
	for _, p := range parts {
		c, err := NewPathComponent(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// String renders the path joined by "/".
func (p RelativePath) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = string(c)
	}
	return strings.Join(parts, "/")
}

// IsEmpty reports whether the path has zero components.
func (p RelativePath) IsEmpty() bool {
	return len(p) == 0
}

// Join returns a new RelativePath with c appended.
func (p RelativePath) Join(c PathComponent) RelativePath {
	out := make(RelativePath, len(p)+1)
	copy(out, p)
	out[len(p)] = c
	return out
}

// Dir returns the path with its final component removed. It panics if the
// path is empty; callers must check IsEmpty first.
func (p RelativePath) Dir() RelativePath {
	if len(p) == 0 {
		panic("vfspath: Dir of empty RelativePath")
	}
	out := make(RelativePath, len(p)-1)
	copy(out, p[:len(p)-1])
	return out
}

// Base returns the final component. It panics if the path is empty; callers
// must check IsEmpty first.
func (p RelativePath) Base() PathComponent {
	if len(p) == 0 {
		panic("vfspath: Base of empty RelativePath")
	}
	return p[len(p)-1]
}

// AbsolutePath is a RelativePath rooted at the mount.
type AbsolutePath struct {
	rel RelativePath
}

// NewAbsolutePath roots rel at the mount.
func NewAbsolutePath(rel RelativePath) AbsolutePath {
	return AbsolutePath{rel: rel}
}

// Relative returns the underlying path relative to the mount root.
func (p AbsolutePath) Relative() RelativePath {
	return p.rel
}

func (p AbsolutePath) String() string {
	return "/" + p.rel.String()
}
