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

package smtp

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/maitred-mta/maitred/framework/config"
)

// tunnel hands the rest of the conversation to the upstream named by a
// proxy rule. The upstream greeting and its replies to the replayed
// transcript are consumed silently (the client already got our answers
// for those commands), only the reply to the command that triggered the
// rule is forwarded. From there on the connection is a transparent byte
// pipe and the client finishes its transaction against the upstream.
func (c *conn) tunnel(rule *proxyRule) {
	c.log.Msg("proxying session to upstream", "upstream", rule.upstream)
	c.sess.Tx("proxy", rule.upstream, false)

	endp, err := config.ParseEndpoint(rule.upstream)
	if err != nil {
		c.log.Error("malformed proxy upstream", err, "upstream", rule.upstream)
		c.reply(451, "4.3.0 Temporary server error")
		return
	}

	dialer := net.Dialer{Timeout: 30 * time.Second}
	up, err := dialer.Dial(endp.Network(), endp.Address())
	if err != nil {
		c.log.Error("proxy upstream unreachable", err, "upstream", rule.upstream)
		c.reply(451, "4.4.1 Upstream server unavailable")
		return
	}
	defer up.Close()

	up.SetDeadline(time.Now().Add(c.endp.cmdTimeout))
	upr := bufio.NewReader(up)

	// Greeting.
	if _, err := readReply(upr); err != nil {
		c.log.Error("no greeting from proxy upstream", err, "upstream", rule.upstream)
		c.reply(451, "4.4.2 Upstream server failed")
		return
	}

	for i, line := range c.transcript {
		if _, err := up.Write([]byte(line + "\r\n")); err != nil {
			c.reply(451, "4.4.2 Upstream server failed")
			return
		}
		rep, err := readReply(upr)
		if err != nil {
			c.reply(451, "4.4.2 Upstream server failed")
			return
		}
		if i == len(c.transcript)-1 {
			for _, rl := range rep {
				if !c.writeLine(rl) {
					return
				}
			}
		}
	}

	up.SetDeadline(time.Time{})
	c.nc.SetDeadline(time.Time{})

	done := make(chan struct{}, 2)
	go func() {
		// c.r may hold pipelined client bytes, drain it rather than the
		// raw socket.
		io.Copy(up, c.r) //nolint:errcheck
		up.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(c.nc, upr) //nolint:errcheck
		c.nc.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// readReply collects one SMTP reply, following continuation lines
// ("250-...") until the terminal one ("250 ...").
func readReply(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
			line = line[:len(line)-1]
		}
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines, nil
		}
	}
}
