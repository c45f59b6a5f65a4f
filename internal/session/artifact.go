/*
Maitred - programmable mail transfer agent.
Copyright © 2024-2026 The Maitred Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/maitred-mta/maitred/framework/module"
)

// Artifact kinds.
const (
	ArtifactFile = "file"
	ArtifactBlob = "blob"
)

// Artifact is a serializable handle to a stored message body.
//
// File artifacts live under the spool temp root. Blob artifacts are keys
// in a module.BlobStore and must be bound to the store with Bind after
// deserialization before they can be opened or removed.
//
// Removal is exactly-once per handle: session and envelope clones share
// the handle, whichever copy releases first wins and the rest are no-ops.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
	Key  string `json:"key,omitempty"`
	Len  int64  `json:"len"`

	store   module.BlobStore
	release sync.Once
}

// NewFileArtifact wraps a file containing a message body.
func NewFileArtifact(path string, length int64) *Artifact {
	return &Artifact{Kind: ArtifactFile, Path: path, Len: length}
}

// NewBlobArtifact wraps an object stored in store under key.
func NewBlobArtifact(store module.BlobStore, key string, length int64) *Artifact {
	return &Artifact{Kind: ArtifactBlob, Key: key, Len: length, store: store}
}

// Bind attaches the blob store to a deserialized blob artifact. File
// artifacts ignore it.
func (a *Artifact) Bind(store module.BlobStore) {
	if a.Kind == ArtifactBlob {
		a.store = store
	}
}

// Open returns a reader over the stored message body.
func (a *Artifact) Open(ctx context.Context) (io.ReadCloser, error) {
	switch a.Kind {
	case ArtifactFile:
		return os.Open(a.Path)
	case ArtifactBlob:
		if a.store == nil {
			return nil, fmt.Errorf("session: blob artifact %v is not bound to a store", a.Key)
		}
		return a.store.Open(ctx, a.Key)
	default:
		return nil, fmt.Errorf("session: unknown artifact kind: %v", a.Kind)
	}
}

// Release removes the underlying storage. Only the first call acts, any
// following one (including via clones sharing the handle) returns nil.
//
// Storage that is already gone is not an error: a crash may have
// interrupted a previous release after the removal itself.
func (a *Artifact) Release() error {
	var err error
	a.release.Do(func() {
		err = a.remove()
	})
	return err
}

func (a *Artifact) remove() error {
	switch a.Kind {
	case ArtifactFile:
		err := os.Remove(a.Path)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return err
	case ArtifactBlob:
		if a.store == nil {
			return fmt.Errorf("session: blob artifact %v is not bound to a store", a.Key)
		}
		return a.store.Delete(context.Background(), []string{a.Key})
	default:
		return fmt.Errorf("session: unknown artifact kind: %v", a.Kind)
	}
}

// Forget marks the artifact as released without touching the storage, for
// when ownership of the storage moved elsewhere. The receipt engine uses
// it after a successful enqueue: from that point the queue record owns
// the body.
func (a *Artifact) Forget() {
	a.release.Do(func() {})
}
