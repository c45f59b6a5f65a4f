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

package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/module"
)

const modName = "storage.fs"

// FSStore struct represents directory on FS used to store blobs.
type FSStore struct {
	instName string
	root     string
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &FSStore{instName: instName}
	switch len(inlineArgs) {
	case 0:
	case 1:
		s.root = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: 1 or 0 arguments expected", modName)
	}
	return s, nil
}

func (s *FSStore) Name() string {
	return modName
}

func (s *FSStore) InstanceName() string {
	return s.instName
}

func (s *FSStore) Init(cfg *config.Map) error {
	cfg.String("root", false, false, s.root, &s.root)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.root == "" {
		return config.NodeErr(cfg.Block, "%s: directory not set", modName)
	}

	return os.MkdirAll(s.root, os.ModeDir|os.ModePerm)
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return f, nil
}

func (s *FSStore) Create(_ context.Context, key string, blobSize int64) (module.Blob, error) {
	f, err := os.Create(filepath.Join(s.root, key))
	if err != nil {
		return nil, err
	}
	if blobSize >= 0 {
		if err := f.Truncate(blobSize); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (s *FSStore) Delete(_ context.Context, keys []string) error {
	for _, key := range keys {
		if err := os.Remove(filepath.Join(s.root, key)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func init() {
	var _ module.BlobStore = &FSStore{}
	module.Register(modName, New)
}
