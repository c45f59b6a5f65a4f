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

package smtpconn

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/internal/testutils"
)

var testPort string

func TestMain(m *testing.M) {
	remoteSmtpPort := flag.String("test.smtpport", "random", "(maitred) SMTP port to use for connections in tests")
	flag.Parse()

	if *remoteSmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteSmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	testPort = *remoteSmtpPort
	os.Exit(m.Run())
}

func TestAuthPlain(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	if _, err := c.Connect(context.Background(), config.Endpoint{
		Scheme: "tcp",
		Host:   "127.0.0.1",
		Port:   testPort,
	}, false, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Auth(context.Background(), "relay", "shovel"); err != nil {
		t.Fatal(err)
	}

	if err := doTestDelivery(t, c, "sender@example.org", []string{"rcpt@example.invalid"}, smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "sender@example.org", []string{"rcpt@example.invalid"})
	if be.Messages[0].AuthUser != "relay" {
		t.Errorf("wrong AuthUser: %v", be.Messages[0].AuthUser)
	}
	if be.Messages[0].AuthPass != "shovel" {
		t.Errorf("wrong AuthPass: %v", be.Messages[0].AuthPass)
	}
}

func TestAuthPlain_Rejected(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:"+testPort)
	be.AuthErr = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Invalid credentials",
	}
	defer srv.Close()
	defer testutils.CheckSMTPConnLeak(t, srv)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	if _, err := c.Connect(context.Background(), config.Endpoint{
		Scheme: "tcp",
		Host:   "127.0.0.1",
		Port:   testPort,
	}, false, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err := c.Auth(context.Background(), "relay", "wrong")
	if err == nil {
		t.Fatal("AUTH succeeded with rejected credentials")
	}
	testutils.CheckSMTPErr(t, err, 535, exterrors.EnhancedCode{5, 7, 8}, "Invalid credentials")
}
