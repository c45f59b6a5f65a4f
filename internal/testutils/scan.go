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

package testutils

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/maitred-mta/maitred/framework/buffer"
	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/module"
)

type Scanner struct {
	InstName string

	ScanErr error
	Res     module.ScanResult

	ScanCalls int
}

func (s *Scanner) Init(*config.Map) error {
	return nil
}

func (s *Scanner) Name() string {
	return "test_scanner"
}

func (s *Scanner) InstanceName() string {
	if s.InstName != "" {
		return s.InstName
	}
	return "test_scanner"
}

func (s *Scanner) Scan(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body buffer.Buffer) (module.ScanResult, error) {
	s.ScanCalls++
	return s.Res, s.ScanErr
}

type Scorer struct {
	InstName string

	ScoreErr error
	Res      module.ScoreResult

	ScoreCalls int
}

func (s *Scorer) Init(*config.Map) error {
	return nil
}

func (s *Scorer) Name() string {
	return "test_scorer"
}

func (s *Scorer) InstanceName() string {
	if s.InstName != "" {
		return s.InstName
	}
	return "test_scorer"
}

func (s *Scorer) Score(ctx context.Context, msgMeta *module.MsgMetadata, header textproto.Header, body buffer.Buffer) (module.ScoreResult, error) {
	s.ScoreCalls++
	return s.Res, s.ScoreErr
}

func init() {
	module.Register("test_scanner", func(_, _ string, _, _ []string) (module.Module, error) {
		return &Scanner{}, nil
	})
	module.RegisterInstance(&Scanner{}, nil)
	module.Register("test_scorer", func(_, _ string, _, _ []string) (module.Module, error) {
		return &Scorer{}, nil
	})
	module.RegisterInstance(&Scorer{}, nil)
}
