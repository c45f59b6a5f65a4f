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

package buffer

import (
	"bytes"
)

// BytesReader wraps bytes.Reader and keeps the original []byte value
// accessible.
//
// It is meant for passing to libraries that accept an io.Reader but can
// skip a copy when the Reader also implements Bytes().
type BytesReader struct {
	*bytes.Reader
	value []byte
}

// Bytes returns the unread portion of the slice used to construct
// the BytesReader.
func (br BytesReader) Bytes() []byte {
	return br.value[int(br.Size())-br.Len():]
}

// Copy returns a BytesReader reading from the same slice as br at the
// same position.
func (br BytesReader) Copy() BytesReader {
	return NewBytesReader(br.Bytes())
}

// Close implements io.Closer so BytesReader can be returned from
// MemoryBuffer.Open directly.
func (br BytesReader) Close() error {
	return nil
}

func NewBytesReader(b []byte) BytesReader {
	// BytesReader and not *BytesReader since the struct already holds two
	// pointers, double indirection would buy nothing.
	return BytesReader{
		Reader: bytes.NewReader(b),
		value:  b,
	}
}
