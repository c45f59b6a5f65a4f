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


package module

import (
	"context"
	"errors"
	"io"
)

type Blob interface {
	Sync() error
	io.Writer
	io.Closer
}

var ErrNoSuchBlob = errors.New("blob_store: no such object")

const UnknownBlobSize int64 = -1

// BlobStore is the interface used by modules providing large binary object
// storage. Session artifacts (message bodies, transcripts) are kept in a
// BlobStore when they do not live on the local filesystem.
type BlobStore interface {
	// Create creates a new blob for writing.
	//
	// Sync will be called on the returned Blob object after -all- data has
	// been successfully written.
	//
	// Close without Sync can be assumed to happen due to an unrelated error
	// and stored data can be discarded.
	//
	// blobSize indicates the exact amount of bytes that will be written.
	// If UnknownBlobSize is passed - it is unknown and implementation will
	// not make any assumptions about the blob size. Error can be returned
	// by any Blob method if more than blobSize bytes get written.
	//
	// Passed context will cover the entire blob write operation.
	Create(ctx context.Context, key string, blobSize int64) (Blob, error)

	// Open returns the reader for the object specified by
	// passed key.
	//
	// If no such object exists - ErrNoSuchBlob is returned.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a set of keys from store. Non-existent keys are ignored.
	Delete(ctx context.Context, keys []string) error
}
