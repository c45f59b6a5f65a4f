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

package limits

import (
	"time"

	"github.com/maitred-mta/maitred/framework/exterrors"
)

// CheckInterval is how often Check should be called while a message body
// is being received. It is also the grace period before the minimum
// transfer rate is enforced.
const CheckInterval = 5 * time.Second

// DataMonitor guards a single DATA or BDAT transfer against slow-feeding
// peers and enforces the absolute transfer deadline.
//
// The receipt engine calls Observe for each chunk read from the peer and
// Check on every CheckInterval tick.
type DataMonitor struct {
	conn    *Conn
	minRate int64
	maxWait time.Duration

	started time.Time
	read    int64
}

// Observe records n more bytes of the message body.
func (m *DataMonitor) Observe(n int) {
	if n <= 0 {
		return
	}
	m.read += int64(n)
	if m.conn != nil {
		m.conn.AddBytes(int64(n))
	}
}

// Check verifies that the transfer is still healthy as of now. It returns
// a 421 SMTP error when the transfer ran past the deadline or, past the
// grace period, when the average rate dropped below the configured
// minimum.
func (m *DataMonitor) Check(now time.Time) error {
	elapsed := now.Sub(m.started)
	if m.maxWait > 0 && elapsed > m.maxWait {
		return &exterrors.SMTPError{
			Code:         421,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Message transfer took too long",
			Reason:       "message transfer deadline exceeded",
		}
	}
	if m.minRate > 0 && elapsed >= CheckInterval {
		secs := int64(elapsed / time.Second)
		if secs > 0 && m.read/secs < m.minRate {
			return &exterrors.SMTPError{
				Code:         421,
				EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
				Message:      "Message transfer is too slow",
				Reason:       "transfer rate below the configured minimum",
				Misc: map[string]interface{}{
					"bytes_read": m.read,
				},
			}
		}
	}
	return nil
}
