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

package dsn

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/maitred-mta/maitred/framework/exterrors"
)

func TestEnhancedStatus(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		code int
		line string
		want exterrors.EnhancedCode
	}{
		{550, "550 5.1.1 No such user", exterrors.EnhancedCode{5, 1, 1}},
		{451, "451 4.7.1 Greylisted, try again later", exterrors.EnhancedCode{4, 7, 1}},
		{250, "250 2.0.0 Ok", exterrors.EnhancedCode{2, 0, 0}},
		// No enhanced code in the reply, class-derived fallback.
		{550, "550 Go away", exterrors.EnhancedCode{5, 0, 0}},
		{450, "450", exterrors.EnhancedCode{4, 0, 0}},
		// Malformed enhanced codes.
		{550, "550 5.1 Too short", exterrors.EnhancedCode{5, 0, 0}},
		{550, "550 5.x.1 Not a number", exterrors.EnhancedCode{5, 0, 0}},
		{550, "550 7.1.1 Bad class inside the code", exterrors.EnhancedCode{5, 0, 0}},
		{550, "550 5.-1.1 Negative", exterrors.EnhancedCode{5, 0, 0}},
		// Class of the reply itself is not 2/4/5, treated as transient.
		{123, "123 1.2.3 What is this", exterrors.EnhancedCode{4, 0, 0}},
		{123, "123 nonsense", exterrors.EnhancedCode{4, 0, 0}},
		{0, "", exterrors.EnhancedCode{4, 0, 0}},
	} {
		if got := EnhancedStatus(test.code, test.line); got != test.want {
			t.Errorf("EnhancedStatus(%d, %q): got %v, want %v", test.code, test.line, got, test.want)
		}
	}
}

func testReportData() (Envelope, ReportingMTAInfo, []RecipientInfo, textproto.Header) {
	envelope := Envelope{
		MsgID: "<1@mta.example.org>",
		From:  "MAILER-DAEMON@mta.example.org",
		To:    "sender@example.com",
	}
	mtaInfo := ReportingMTAInfo{
		ReportingMTA:    "mta.example.org",
		ReceivedFromMTA: "client.example.com",
		XSender:         "sender@example.com",
		XMessageID:      "a4291bb9-3fa6-4e29-9514-d7e00e5005f8",
		ArrivalDate:     time.Date(2026, time.March, 10, 11, 12, 13, 0, time.UTC),
		LastAttemptDate: time.Date(2026, time.March, 10, 16, 12, 13, 0, time.UTC),
	}
	rcptInfo := []RecipientInfo{{
		FinalRecipient: "rcpt@example.org",
		Action:         ActionFailed,
		Status:         exterrors.EnhancedCode{5, 1, 1},
		DiagnosticCode: "550 5.1.1 No such user",
	}}

	failedHeader := textproto.Header{}
	failedHeader.Add("From", "sender@example.com")
	failedHeader.Add("Subject", "the original subject")

	return envelope, mtaInfo, rcptInfo, failedHeader
}

func TestGenerateDSN(t *testing.T) {
	t.Parallel()

	envelope, mtaInfo, rcptInfo, failedHeader := testReportData()

	var body bytes.Buffer
	header, err := GenerateDSN(false, envelope, mtaInfo, rcptInfo, failedHeader, &body)
	if err != nil {
		t.Fatal(err)
	}

	if got := header.Get("Subject"); got != "Undelivered Mail Returned to Sender" {
		t.Errorf("Subject: got %q", got)
	}
	if got := header.Get("From"); got != "MAILER-DAEMON@mta.example.org" {
		t.Errorf("From: got %q", got)
	}
	if got := header.Get("To"); got != "sender@example.com" {
		t.Errorf("To: got %q", got)
	}
	if got := header.Get("Auto-Submitted"); got != "auto-replied" {
		t.Errorf("Auto-Submitted: got %q", got)
	}
	ctype := header.Get("Content-Type")
	if !strings.Contains(ctype, "multipart/report") || !strings.Contains(ctype, "report-type=delivery-status") {
		t.Errorf("Content-Type: got %q", ctype)
	}

	// The multipart boundary named in the header must be the one used in
	// the body.
	_, params, ok := strings.Cut(ctype, "boundary=")
	if !ok {
		t.Fatalf("Content-Type has no boundary: %q", ctype)
	}
	if !strings.Contains(body.String(), "--"+params) {
		t.Error("header boundary not used in the body")
	}

	report := body.String()
	for _, want := range []string{
		"Reporting-MTA: dns; mta.example.org",
		"Received-From-MTA: dns; client.example.com",
		"X-Maitred-Sender: rfc822; sender@example.com",
		"X-Maitred-MsgId: a4291bb9-3fa6-4e29-9514-d7e00e5005f8",
		"Arrival-Date: " + mtaInfo.ArrivalDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
		"Last-Attempt-Date: " + mtaInfo.LastAttemptDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
		"Content-Type: message/delivery-status",
		"Final-Recipient: rfc822; rcpt@example.org",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 No such user",
		"This is the mail delivery system at mta.example.org",
		"Content-Type: message/rfc822-headers",
		"Subject: the original subject",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report is missing %q", want)
		}
	}
}

func TestGenerateDSNUnicode(t *testing.T) {
	t.Parallel()

	envelope, mtaInfo, rcptInfo, failedHeader := testReportData()
	rcptInfo[0].FinalRecipient = "postmaster@почта.example.org"

	var body bytes.Buffer
	if _, err := GenerateDSN(true, envelope, mtaInfo, rcptInfo, failedHeader, &body); err != nil {
		t.Fatal(err)
	}

	report := body.String()
	for _, want := range []string{
		"Content-Type: message/global-delivery-status",
		"Content-Type: message/global-headers",
		"Final-Recipient: utf8; postmaster@почта.example.org",
		"X-Maitred-Sender: utf8; sender@example.com",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report is missing %q", want)
		}
	}
}

func TestGenerateDSNMultilineDiagnostic(t *testing.T) {
	t.Parallel()

	envelope, mtaInfo, rcptInfo, failedHeader := testReportData()
	rcptInfo[0].DiagnosticCode = "451 4.3.0 first line\r\nsecond line"

	var body bytes.Buffer
	if _, err := GenerateDSN(false, envelope, mtaInfo, rcptInfo, failedHeader, &body); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(body.String(), "Diagnostic-Code: smtp; 451 4.3.0 first line  second line") {
		t.Error("CR/LF not collapsed in Diagnostic-Code")
	}
}

func TestGenerateDSNRequiredFields(t *testing.T) {
	t.Parallel()

	var body bytes.Buffer

	envelope, mtaInfo, rcptInfo, failedHeader := testReportData()
	mtaInfo.ReportingMTA = ""
	if _, err := GenerateDSN(false, envelope, mtaInfo, rcptInfo, failedHeader, &body); err == nil {
		t.Error("report generated without Reporting-MTA")
	}

	envelope, mtaInfo, rcptInfo, failedHeader = testReportData()
	rcptInfo[0].Action = ""
	if _, err := GenerateDSN(false, envelope, mtaInfo, rcptInfo, failedHeader, &body); err == nil {
		t.Error("report generated without Action")
	}

	envelope, mtaInfo, rcptInfo, failedHeader = testReportData()
	rcptInfo[0].Status = exterrors.EnhancedCode{}
	if _, err := GenerateDSN(false, envelope, mtaInfo, rcptInfo, failedHeader, &body); err == nil {
		t.Error("report generated without Status")
	}

	envelope, mtaInfo, rcptInfo, failedHeader = testReportData()
	rcptInfo[0].FinalRecipient = ""
	if _, err := GenerateDSN(false, envelope, mtaInfo, rcptInfo, failedHeader, &body); err == nil {
		t.Error("report generated without Final-Recipient")
	}
}
