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

// ScanRecord is the verdict of one content scanner over the envelope
// body.
type ScanRecord struct {
	Scanner string `json:"scanner"`
	// Verdict is "clean", "infected" or "error".
	Verdict string `json:"verdict"`
	// Detail carries the threat name or the error text.
	Detail string `json:"detail,omitempty"`
}

// RecipientStatus is the latest delivery outcome recorded for one
// recipient of an envelope.
type RecipientStatus struct {
	// Code is the SMTP reply code of the final response, 0 if the
	// recipient was never answered at the SMTP level (connection-level
	// failures are retried and leave no final status).
	Code int `json:"code,omitempty"`
	// Line is the raw SMTP reply, used verbatim as the bounce
	// Diagnostic-Code.
	Line      string `json:"line,omitempty"`
	Delivered bool   `json:"delivered,omitempty"`
}

// Envelope is a single message transaction: one sender, the recipients
// accepted for it, and a handle to the stored message body.
//
// An envelope enters the queue only with at least one recipient, and its
// artifact exists for as long as the envelope does.
type Envelope struct {
	Sender string `json:"sender"`
	// Recipients is ordered and deduplicated.
	Recipients []string `json:"recipients"`

	// DeclaredSize is the SIZE parameter of MAIL FROM, 0 if not given.
	DeclaredSize int64 `json:"declared_size,omitempty"`
	// UTF8 is set when the transaction used SMTPUTF8.
	UTF8 bool `json:"utf8,omitempty"`

	Artifact *Artifact    `json:"artifact,omitempty"`
	Scans    []ScanRecord `json:"scans,omitempty"`

	Status map[string]RecipientStatus `json:"status,omitempty"`
	Log    []TxEntry                  `json:"log,omitempty"`
}

// AddRecipient appends rcpt to the envelope unless an equal recipient is
// already present. It reports whether the recipient was added.
func (e *Envelope) AddRecipient(rcpt string) bool {
	for _, existing := range e.Recipients {
		if existing == rcpt {
			return false
		}
	}
	e.Recipients = append(e.Recipients, rcpt)
	return true
}

// Tx appends an entry to the envelope transaction log.
func (e *Envelope) Tx(verb, detail string, failed bool) {
	e.Log = append(e.Log, TxEntry{Verb: verb, Detail: detail, Failed: failed})
}

// SetStatus records the delivery outcome for rcpt.
func (e *Envelope) SetStatus(rcpt string, code int, line string, delivered bool) {
	if e.Status == nil {
		e.Status = make(map[string]RecipientStatus)
	}
	e.Status[rcpt] = RecipientStatus{Code: code, Line: line, Delivered: delivered}
}

// DeliveredRecipients returns the recipients with a confirmed delivery,
// in envelope order.
func (e *Envelope) DeliveredRecipients() []string {
	var out []string
	for _, rcpt := range e.Recipients {
		if st, ok := e.Status[rcpt]; ok && st.Delivered {
			out = append(out, rcpt)
		}
	}
	return out
}

// FailedRecipients returns the recipients whose latest status is an SMTP
// failure reply (4xx or 5xx), in envelope order.
func (e *Envelope) FailedRecipients() []string {
	var out []string
	for _, rcpt := range e.Recipients {
		if st, ok := e.Status[rcpt]; ok && !st.Delivered && st.Code >= 400 {
			out = append(out, rcpt)
		}
	}
	return out
}

// RecipientsInDomains returns the recipients whose domain part is in the
// given lowercased set, in envelope order. Unparsable addresses never
// match.
func (e *Envelope) RecipientsInDomains(domains map[string]struct{}) []string {
	var matched []string
	for _, rcpt := range e.Recipients {
		if d := rcptDomain(rcpt); d != "" {
			if _, ok := domains[d]; ok {
				matched = append(matched, rcpt)
			}
		}
	}
	return matched
}

// Prune removes the named recipients and their status records from the
// envelope and reports how many recipients remain.
func (e *Envelope) Prune(rcpts []string) int {
	if len(rcpts) == 0 {
		return len(e.Recipients)
	}
	drop := make(map[string]struct{}, len(rcpts))
	for _, rcpt := range rcpts {
		drop[rcpt] = struct{}{}
	}

	kept := e.Recipients[:0]
	for _, rcpt := range e.Recipients {
		if _, ok := drop[rcpt]; ok {
			delete(e.Status, rcpt)
			continue
		}
		kept = append(kept, rcpt)
	}
	e.Recipients = kept
	return len(e.Recipients)
}

// Clone returns a deep copy of the envelope. The artifact handle is
// shared: both copies point at the same storage and release it exactly
// once between them.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		Sender:       e.Sender,
		DeclaredSize: e.DeclaredSize,
		UTF8:         e.UTF8,
		Artifact:     e.Artifact,
		Recipients:   append([]string(nil), e.Recipients...),
		Scans:        append([]ScanRecord(nil), e.Scans...),
		Log:          append([]TxEntry(nil), e.Log...),
	}
	if e.Status != nil {
		clone.Status = make(map[string]RecipientStatus, len(e.Status))
		for rcpt, st := range e.Status {
			clone.Status[rcpt] = st
		}
	}
	return clone
}
