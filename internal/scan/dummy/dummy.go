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

// Package dummy provides a scanner and scorer that accept everything.
// Useful as a placeholder in configs and in tests.
package dummy

import (
	"context"

	"github.com/emersion/go-message/textproto"

	"github.com/maitred-mta/maitred/framework/buffer"
	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/module"
)

type Dummy struct{ instName string }

func (d *Dummy) Name() string {
	return "scan.dummy"
}

func (d *Dummy) InstanceName() string {
	return d.instName
}

func (d *Dummy) Init(_ *config.Map) error {
	return nil
}

func (d *Dummy) Scan(_ context.Context, _ *module.MsgMetadata, _ textproto.Header, _ buffer.Buffer) (module.ScanResult, error) {
	return module.ScanResult{}, nil
}

func (d *Dummy) Score(_ context.Context, _ *module.MsgMetadata, _ textproto.Header, _ buffer.Buffer) (module.ScoreResult, error) {
	return module.ScoreResult{}, nil
}

var (
	_ module.Scanner = &Dummy{}
	_ module.Scorer  = &Dummy{}
)

func init() {
	module.Register("scan.dummy", func(_, instName string, _, _ []string) (module.Module, error) {
		return &Dummy{instName: instName}, nil
	})
}
