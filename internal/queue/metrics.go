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

package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queuedMsgs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "maitred",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Amount of queued messages",
		},
		[]string{"instance"},
	)
	settledEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maitred",
			Subsystem: "queue",
			Name:      "settled_envelopes",
			Help:      "Envelopes that left the queue partitioned by outcome (delivered, bounced, dropped)",
		},
		[]string{"instance", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(queuedMsgs)
	prometheus.MustRegister(settledEnvelopes)
}
