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

// Package blobtest provides the conformance test suite shared by all
// BlobStore implementations.
package blobtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/maitred-mta/maitred/framework/module"
)

// TestStore runs the BlobStore conformance suite. newStore is called per
// subtest, cleanStore releases whatever newStore allocated.
func TestStore(t *testing.T, newStore func() module.BlobStore, cleanStore func(module.BlobStore)) {
	write := func(t *testing.T, store module.BlobStore, key, content string, size int64) {
		t.Helper()
		blob, err := store.Create(context.Background(), key, size)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.Copy(blob, strings.NewReader(content)); err != nil {
			t.Fatal(err)
		}
		if err := blob.Sync(); err != nil {
			t.Fatal(err)
		}
		if err := blob.Close(); err != nil {
			t.Fatal(err)
		}
	}
	read := func(t *testing.T, store module.BlobStore, key string) string {
		t.Helper()
		r, err := store.Open(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "msg-1", "the message body", int64(len("the message body")))
		if got := read(t, store, "msg-1"); got != "the message body" {
			t.Errorf("Wrong content: %q", got)
		}
	})

	t.Run("UnknownSize", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "msg-unsized", "stream of unknown length", module.UnknownBlobSize)
		if got := read(t, store, "msg-unsized"); got != "stream of unknown length" {
			t.Errorf("Wrong content: %q", got)
		}
	})

	t.Run("OpenMissing", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		r, err := store.Open(context.Background(), "no-such-key")
		if err == nil {
			// Some backends defer the existence check to the first read.
			_, err = io.ReadAll(r)
			r.Close()
		}
		if err == nil {
			t.Fatal("Expected error for missing key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "msg-del", "bye", 3)
		if err := store.Delete(context.Background(), []string{"msg-del"}); err != nil {
			t.Fatal(err)
		}

		r, err := store.Open(context.Background(), "msg-del")
		if err == nil {
			_, err = io.ReadAll(r)
			r.Close()
		}
		if err == nil {
			t.Fatal("Deleted blob still readable")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		// Non-existent keys are ignored.
		if err := store.Delete(context.Background(), []string{"never-existed"}); err != nil {
			if errors.Is(err, module.ErrNoSuchBlob) {
				t.Fatal("Delete of missing key returned ErrNoSuchBlob")
			}
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "msg-ow", "first", 5)
		write(t, store, "msg-ow", "second", 6)
		if got := read(t, store, "msg-ow"); got != "second" {
			t.Errorf("Wrong content after overwrite: %q", got)
		}
	})
}
