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

// Package smtp implements the inbound mail receipt engine: the smtp,
// submission and lmtp endpoint modules.
//
// Each configured address gets its own acceptor goroutine and a bounded
// worker pool; one worker owns one connection and runs the SMTP verb
// loop synchronously. Accepted messages pass the configured content
// gates (scanners, scorer, webhook) and end up either in the relay
// queue, in local storage, or in a blackhole.
package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/maitred-mta/maitred/framework/config"
	modconfig "github.com/maitred-mta/maitred/framework/config/module"
	tls2 "github.com/maitred-mta/maitred/framework/config/tls"
	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/framework/resource/netresource"
	"github.com/maitred-mta/maitred/internal/auth"
	"github.com/maitred-mta/maitred/internal/limits"
	"github.com/maitred-mta/maitred/internal/proxyproto"
	"github.com/maitred-mta/maitred/internal/session"
)

// Enqueuer takes ownership of an accepted message for relaying.
// *queue.Dequeuer implements it.
type Enqueuer interface {
	Enqueue(rs *session.RelaySession) error
}

type Endpoint struct {
	name  string
	addrs []string

	hostname string
	saslAuth auth.SASLAuth

	tlsConfig     *tls.Config
	proxyProtocol *proxyproto.ProxyProtocol
	insecureAuth  bool
	xclientOK     bool
	chaosHeaders  bool

	submission bool
	lmtp       bool

	minPool   int
	maxPool   int
	backlog   int
	keepAlive time.Duration

	errorLimit        int
	transactionsLimit int
	envelopeLimit     int
	recipientsLimit   int
	emailSizeLimit    int64
	maxReceived       int

	cmdTimeout   time.Duration
	writeTimeout time.Duration
	dataTimeout  time.Duration

	tracker *limits.Tracker
	limits  *limits.Group

	rules *ruleSet

	checkSPF bool

	scanners     []module.Scanner
	scorer       module.Scorer
	scoreReject  float64
	scoreDiscard float64
	webhook      module.WebhookSink
	webhookFatal bool

	queue        Enqueuer
	localDomains map[string]struct{}
	local        module.LocalDelivery

	blobs    module.BlobStore
	spoolDir string

	resolver dns.Resolver
	ioDebug  bool

	listeners []net.Listener
	pools     []*workerPool
	acceptWg  sync.WaitGroup

	Log log.Logger
}

func New(modName string, addrs []string) (module.Module, error) {
	return &Endpoint{
		name:       modName,
		addrs:      addrs,
		submission: modName == "submission",
		lmtp:       modName == "lmtp",
		resolver:   dns.DefaultResolver(),
		rules:      &ruleSet{},
		Log:        log.Logger{Name: modName},
	}, nil
}

func (endp *Endpoint) Name() string {
	return endp.name
}

func (endp *Endpoint) InstanceName() string {
	return endp.name
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	if err := endp.setConfig(cfg); err != nil {
		return err
	}

	if endp.submission && len(endp.saslAuth.SASLMechanisms()) == 0 {
		return fmt.Errorf("%s: auth. provider must be set for submission endpoint", endp.name)
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", endp.name, addr)
		}
		addresses = append(addresses, saddr)
	}

	if err := endp.setupListeners(addresses); err != nil {
		for _, l := range endp.listeners {
			l.Close()
		}
		return err
	}

	allLocal := true
	for _, addr := range addresses {
		if addr.Scheme != "unix" && !strings.HasPrefix(addr.Host, "127.0.0.") {
			allLocal = false
		}
	}
	if endp.insecureAuth && !allLocal {
		endp.Log.Println("authentication over unencrypted connections is allowed, this is insecure configuration and should be used only for testing!")
	}
	if endp.tlsConfig == nil && !allLocal {
		endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
	}

	return nil
}

func (endp *Endpoint) setConfig(cfg *config.Map) error {
	var localDomains []string

	cfg.Callback("auth", func(m *config.Map, node config.Node) error {
		endp.saslAuth.Log = log.Logger{Name: endp.name + "/auth", Debug: endp.Log.Debug}
		return endp.saslAuth.AddProvider(m, node)
	})
	cfg.String("hostname", true, true, "", &endp.hostname)
	cfg.Custom("tls", true, true, func() (interface{}, error) {
		return nil, nil
	}, tls2.TLSDirective, &endp.tlsConfig)
	cfg.Custom("proxy_protocol", false, false, nil, proxyproto.ProxyProtocolDirective, &endp.proxyProtocol)
	cfg.Bool("insecure_auth", false, false, &endp.insecureAuth)
	cfg.Bool("xclient", false, false, &endp.xclientOK)
	cfg.Bool("chaos_headers", false, false, &endp.chaosHeaders)
	cfg.Bool("io_debug", false, false, &endp.ioDebug)
	cfg.Bool("debug", true, false, &endp.Log.Debug)

	cfg.Int("backlog", false, false, 64, &endp.backlog)
	cfg.Int("min_pool", false, false, 2, &endp.minPool)
	cfg.Int("max_pool", false, false, 128, &endp.maxPool)
	cfg.Duration("keep_alive", false, false, 1*time.Minute, &endp.keepAlive)

	cfg.Int("error_limit", false, false, 10, &endp.errorLimit)
	cfg.Int("transactions_limit", false, false, 0, &endp.transactionsLimit)
	cfg.Int("envelope_limit", false, false, 0, &endp.envelopeLimit)
	cfg.Int("recipients_limit", false, false, 100, &endp.recipientsLimit)
	cfg.DataSize("email_size_limit", false, false, 32*1024*1024, &endp.emailSizeLimit)
	cfg.Int("max_received", false, false, 50, &endp.maxReceived)

	cfg.Duration("command_timeout", false, false, 5*time.Minute, &endp.cmdTimeout)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.writeTimeout)
	cfg.Duration("data_timeout", false, false, 10*time.Minute, &endp.dataTimeout)

	cfg.Custom("dos", false, false, func() (interface{}, error) {
		return limits.NewTracker(limits.TrackerConfig{}), nil
	}, limits.DoSDirective, &endp.tracker)
	cfg.Custom("limits", false, false, func() (interface{}, error) {
		return &limits.Group{}, nil
	}, func(m *config.Map, n config.Node) (interface{}, error) {
		var g *limits.Group
		if err := modconfig.GroupFromNode("limits", n.Args, n, m.Globals, &g); err != nil {
			return nil, err
		}
		return g, nil
	}, &endp.limits)

	cfg.Callback("blocklist", endp.rules.blocklistDirective)
	cfg.Callback("blackhole", endp.rules.blackholeDirective)
	cfg.Callback("proxy", endp.rules.proxyDirective)
	cfg.Callback("bots", endp.rules.botsDirective)

	cfg.Bool("spf", false, false, &endp.checkSPF)
	cfg.Callback("scan", func(m *config.Map, node config.Node) error {
		scanner, err := modconfig.MessageScanner(m.Globals, node.Args, node)
		if err != nil {
			return err
		}
		endp.scanners = append(endp.scanners, scanner)
		return nil
	})
	cfg.Custom("score", false, false, nil, func(m *config.Map, node config.Node) (interface{}, error) {
		return modconfig.MessageScorer(m.Globals, node.Args, node)
	}, &endp.scorer)
	cfg.Float("score_reject", false, false, 0, &endp.scoreReject)
	cfg.Float("score_discard", false, false, 0, &endp.scoreDiscard)
	cfg.Custom("webhook", false, false, nil, modconfig.WebhookDirective, &endp.webhook)
	cfg.Bool("webhook_fatal", false, false, &endp.webhookFatal)

	cfg.Custom("queue", false, false, nil, func(m *config.Map, node config.Node) (interface{}, error) {
		var q Enqueuer
		if err := modconfig.ModuleFromNode("queue", node.Args, node, m.Globals, &q); err != nil {
			return nil, err
		}
		return q, nil
	}, &endp.queue)
	cfg.StringList("local_domains", false, false, nil, &localDomains)
	cfg.Custom("deliver_local", false, false, nil, func(m *config.Map, node config.Node) (interface{}, error) {
		var d module.LocalDelivery
		if err := modconfig.ModuleFromNode("target", node.Args, node, m.Globals, &d); err != nil {
			return nil, err
		}
		return d, nil
	}, &endp.local)
	cfg.Custom("storage", false, false, nil, modconfig.StorageDirective, &endp.blobs)
	cfg.String("spool", false, false, "", &endp.spoolDir)

	if _, err := cfg.Process(); err != nil {
		return err
	}

	if endp.scorer != nil && endp.scoreReject == 0 && endp.scoreDiscard == 0 {
		return fmt.Errorf("%s: score requires score_reject or score_discard", endp.name)
	}
	if len(localDomains) != 0 && endp.local == nil {
		return fmt.Errorf("%s: local_domains requires deliver_local", endp.name)
	}
	if endp.queue == nil && endp.local == nil {
		return fmt.Errorf("%s: either queue or deliver_local must be configured", endp.name)
	}

	endp.localDomains = make(map[string]struct{}, len(localDomains))
	for _, d := range localDomains {
		endp.localDomains[strings.ToLower(d)] = struct{}{}
	}

	if endp.blobs == nil {
		if endp.spoolDir == "" {
			endp.spoolDir = filepath.Join(config.StateDirectory, "spool")
		}
		if err := os.MkdirAll(endp.spoolDir, 0o700); err != nil {
			return err
		}
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	var err error
	endp.hostname, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.name, err)
	}

	return nil
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		l, err := netresource.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.Log.Printf("listening on %v", addr)

		if addr.IsTLS() {
			if endp.tlsConfig == nil {
				return fmt.Errorf("%s: can't bind on SMTPS endpoint without TLS configuration", endp.name)
			}
			l = tls.NewListener(l, endp.tlsConfig)
		}

		if endp.proxyProtocol != nil {
			l = proxyproto.NewListener(l, endp.proxyProtocol, endp.Log)
		}

		pool := newWorkerPool(endp.minPool, endp.maxPool, endp.backlog, endp.keepAlive, endp.serveConn)
		endp.listeners = append(endp.listeners, l)
		endp.pools = append(endp.pools, pool)

		endp.acceptWg.Add(1)
		go endp.accept(l, pool)
	}
	return nil
}

func (endp *Endpoint) accept(l net.Listener, pool *workerPool) {
	defer endp.acceptWg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			// Listener closed on shutdown.
			return
		}
		if !pool.Submit(c) {
			// Backlog full. Turn the connection away instead of letting
			// it wait for a worker indefinitely.
			c.SetWriteDeadline(time.Now().Add(5 * time.Second))
			fmt.Fprintf(c, "421 4.3.2 %s Server busy, try again later\r\n", endp.hostname)
			c.Close()
		}
	}
}

func (endp *Endpoint) serveConn(nc net.Conn) {
	c := newConn(endp, nc)
	c.handle()
}

func (endp *Endpoint) Close() error {
	for _, l := range endp.listeners {
		l.Close()
	}
	endp.acceptWg.Wait()
	for _, pool := range endp.pools {
		pool.Close()
	}
	if endp.tracker != nil {
		endp.tracker.Close()
	}
	return nil
}

func init() {
	module.RegisterEndpoint("smtp", New)
	module.RegisterEndpoint("submission", New)
	module.RegisterEndpoint("lmtp", New)
}
