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

// Package buffer provides temporary storage abstractions for message
// bodies and other large blobs that can be read multiple times.
package buffer

import (
	"io"
)

// Buffer is an abstract handle for a stored blob.
//
// The stored blob is assumed to be immutable. Any code that wants a
// modified version should write it to a new storage location.
// This is what makes concurrent readers safe.
//
// Buffer objects require careful lifetime management. The convention is
// that the creator is always responsible for calling Remove once the
// Buffer is no longer used. A Buffer passed to a function is not
// guaranteed to remain valid after that function returns; if the callee
// needs the contents to outlive the call, it should "re-buffer" them by
// copying the blob or using implementation-specific tricks (FileBuffer
// contents, for example, can be preserved by hard-linking the backing
// file).
type Buffer interface {
	// Open creates a new Reader reading from the underlying storage.
	Open() (io.ReadCloser, error)

	// Len reports the length of the stored blob. It is the amount of
	// bytes that can be read from a newly created Reader before io.EOF.
	Len() int

	// Remove discards the stored blob and releases all associated
	// resources.
	//
	// Multiple Buffer objects may share the same underlying storage.
	// Remove should then be called only once as it invalidates all of
	// them. Readers created before Remove remain usable, but new ones
	// cannot be created.
	Remove() error
}
