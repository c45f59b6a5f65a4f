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

package rspamd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/testutils"
)

const testMsg = `From: sender@example.org
To: rcpt@example.com
Subject: hello

hi
`

func testScorer(t *testing.T, handler http.HandlerFunc) *Scorer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mod, err := New(modName, "", nil, []string{srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	scorer := mod.(*Scorer)
	scorer.log = testutils.Logger(t, mod.Name())
	scorer.tag = "maitred"
	return scorer
}

func TestScore(t *testing.T) {
	scorer := testScorer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/checkv2" {
			t.Errorf("Wrong path: %v", r.URL.Path)
		}
		if r.Header.Get("From") != "sender@example.org" {
			t.Errorf("Wrong From header: %v", r.Header.Get("From"))
		}
		if r.Header.Get("Helo") != "mx.example.org" {
			t.Errorf("Wrong Helo header: %v", r.Header.Get("Helo"))
		}
		w.Write([]byte(`{"score": 7.5, "action": "add header", "symbols": {"BAYES_SPAM": {"name": "BAYES_SPAM", "score": 5.0}, "RDNS_NONE": {"name": "RDNS_NONE", "score": 2.5}}}`))
	})

	hdr, buf := testutils.BodyFromStr(t, testMsg)
	res, err := scorer.Score(context.Background(), &module.MsgMetadata{
		ID:           "test-score",
		OriginalFrom: "sender@example.org",
		Conn: &module.ConnState{
			Hostname:   "mx.example.org",
			RemoteAddr: "192.0.2.1:12345",
		},
	}, hdr, buf)
	if err != nil {
		t.Fatal(err)
	}

	if res.Score != 7.5 {
		t.Errorf("Wrong score: %v", res.Score)
	}
	if !reflect.DeepEqual(res.Symbols, []string{"BAYES_SPAM", "RDNS_NONE"}) {
		t.Errorf("Wrong symbols: %v", res.Symbols)
	}
}

func TestScoreHTTPError(t *testing.T) {
	scorer := testScorer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	hdr, buf := testutils.BodyFromStr(t, testMsg)
	_, err := scorer.Score(context.Background(), &module.MsgMetadata{ID: "test-err"}, hdr, buf)
	if err == nil {
		t.Fatal("Expected error for HTTP 500")
	}
}
