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

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "smtp",
			Name:      "started_transactions",
			Help:      "Amount of SMTP transactions started",
		},
		[]string{"module"},
	)
	completedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "smtp",
			Name:      "completed_transactions",
			Help:      "Amount of SMTP transactions that produced an accepted message",
		},
		[]string{"module"},
	)
	failedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "smtp",
			Name:      "failed_transactions",
			Help:      "Failed transaction commands (MAIL, RCPT, DATA, BDAT)",
		},
		[]string{"module", "command", "smtp_code"},
	)

	ratelimitDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "smtp",
			Name:      "ratelimit_dropped",
			Help:      "Connections dropped with 421 at accept due to DoS limits",
		},
		[]string{"module"},
	)
	tarpittedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "smtp",
			Name:      "tarpitted_commands",
			Help:      "Commands delayed by the command-rate tarpit",
		},
		[]string{"module"},
	)
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "smtp",
			Name:      "failed_logins",
			Help:      "AUTH command failures",
		},
		[]string{"module"},
	)
	wrongProtoCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "smtp",
			Name:      "cross_protocol_commands",
			Help:      "Connections closed after receiving a command of another protocol",
		},
		[]string{"module", "command"},
	)
)

func init() {
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(completedTransactions)
	prometheus.MustRegister(failedTransactions)
	prometheus.MustRegister(ratelimitDrops)
	prometheus.MustRegister(tarpittedCmds)
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(wrongProtoCmds)
}
