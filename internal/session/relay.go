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
	"encoding/json"
	"errors"
	"time"

	"github.com/maitred-mta/maitred/framework/module"
)

// RelaySession is one queued delivery attempt: a session clone plus its
// retry bookkeeping. The queue stores it in the encoded form, live
// references never cross the queue boundary.
type RelaySession struct {
	Session *Session `json:"session"`

	// RetryCount is the number of delivery attempts made so far. The
	// dequeuer stops retrying and synthesizes a bounce once it reaches
	// the configured budget.
	RetryCount int `json:"retry_count"`

	LastAttempt  time.Time `json:"last_attempt"`
	FirstEnqueue time.Time `json:"first_enqueue"`
}

// NewRelay wraps a session clone into a fresh delivery attempt record.
func NewRelay(s *Session) *RelaySession {
	return &RelaySession{Session: s, FirstEnqueue: time.Now()}
}

// Encode serializes the relay session for queue storage.
func (rs *RelaySession) Encode() ([]byte, error) {
	return json.Marshal(rs)
}

// DecodeRelay parses a queue record produced by Encode.
func DecodeRelay(data []byte) (*RelaySession, error) {
	rs := &RelaySession{}
	if err := json.Unmarshal(data, rs); err != nil {
		return nil, err
	}
	if rs.Session == nil {
		return nil, errors.New("session: relay record without a session")
	}
	return rs, nil
}

// BindBlobs attaches store to every blob artifact of the session. It must
// be called after DecodeRelay before blob artifacts are opened or
// released.
func (rs *RelaySession) BindBlobs(store module.BlobStore) {
	for _, env := range rs.Session.Envelopes {
		if env.Artifact != nil {
			env.Artifact.Bind(store)
		}
	}
}
