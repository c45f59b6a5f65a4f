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

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/maitred-mta/maitred/framework/config"
	modconfig "github.com/maitred-mta/maitred/framework/config/module"
	"github.com/maitred-mta/maitred/framework/dns"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/internal/dsn"
	"github.com/maitred-mta/maitred/internal/mxroute"
	"github.com/maitred-mta/maitred/internal/session"
)

// Deliverer hands one route-scoped session to the outbound transport.
//
// Implementations record per-recipient outcomes in the envelope status
// maps and transaction logs. The returned error reports a failure that
// prevented any attempt for the route; per-recipient rejections are not
// errors.
type Deliverer interface {
	Deliver(ctx context.Context, s *session.Session) error
}

// RouteResolver groups recipient domains into MX routes.
// *mxroute.Resolver implements it.
type RouteResolver interface {
	ResolveRoutes(ctx context.Context, domains []string) ([]*mxroute.Route, error)
}

// Dequeuer is the "queue" module: it owns the queue store and drains it
// on a fixed tick from a single scheduler goroutine.
//
// Each tick pops up to max_dequeue entries. An entry that is not due yet
// (exponential backoff on the retry counter) goes back to the tail
// unchanged. A due entry is split per MX route, delivered, and the
// per-recipient outcomes decide what is left: delivered recipients are
// pruned, fully delivered envelopes release their artifact, the rest is
// re-enqueued with the retry counter bumped. An entry past max_retries
// is turned into one bounce message per failed envelope and the bounce
// is enqueued as a fresh session with its own retry budget.
type Dequeuer struct {
	instName string
	Log      log.Logger

	// Resolver is shared with the outbound transport by the assembly
	// code. When nil, Init builds a private one.
	Resolver RouteResolver

	store  Store
	target Deliverer
	blobs  module.BlobStore

	hostname      string
	autogenDomain string
	bounceDir     string

	tick       time.Duration
	maxDequeue int
	maxRetries int

	stop        chan struct{}
	schedulerWg sync.WaitGroup
}

func NewDequeuer(_, instName string, _, _ []string) (module.Module, error) {
	return &Dequeuer{
		instName: instName,
		Log:      log.Logger{Name: "queue"},
	}, nil
}

func (q *Dequeuer) Init(cfg *config.Map) error {
	var backend, location string
	cfg.Bool("debug", true, false, &q.Log.Debug)
	cfg.Enum("backend", false, false,
		[]string{"disk", "memory", "bolt", "sqlite", "redis"}, "disk", &backend)
	cfg.String("location", false, false, "", &location)
	cfg.Duration("tick", false, false, 1*time.Minute, &q.tick)
	cfg.Int("max_dequeue", false, false, 32, &q.maxDequeue)
	cfg.Int("max_retries", false, false, 16, &q.maxRetries)
	cfg.String("hostname", true, true, "", &q.hostname)
	cfg.String("autogenerated_msg_domain", true, false, "", &q.autogenDomain)
	cfg.String("bounce_dir", false, false, "", &q.bounceDir)
	cfg.Custom("target", false, true, nil, relayTargetDirective, &q.target)
	cfg.Custom("storage", false, false, nil, modconfig.StorageDirective, &q.blobs)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if q.maxDequeue <= 0 || q.maxRetries <= 0 {
		return errors.New("queue: max_dequeue and max_retries must be positive")
	}
	if q.autogenDomain == "" {
		q.autogenDomain = q.hostname
	}

	switch backend {
	case "disk", "bolt", "sqlite":
		if location == "" {
			name := "queue"
			if backend != "disk" {
				name = "queue." + backend
			}
			location = filepath.Join(config.StateDirectory, name)
		}
	case "redis":
		if location == "" {
			return errors.New("queue: redis backend requires the location directive (redis:// URL)")
		}
	}
	if q.bounceDir == "" {
		q.bounceDir = filepath.Join(config.StateDirectory, "queue_dsn")
	}
	if err := os.MkdirAll(q.bounceDir, os.ModePerm); err != nil {
		return err
	}

	store, err := OpenStore(backend, location)
	if err != nil {
		return err
	}
	q.store = store

	if q.Resolver == nil {
		ext, err := dns.NewExtResolver()
		if err != nil {
			return config.NodeErr(cfg.Block, "cannot initialize the DNS resolver: %v", err)
		}
		q.Resolver = mxroute.New(dns.NewCache(ext, 0, 0, 0), ext, nil,
			log.Logger{Name: "queue/mxroute", Debug: q.Log.Debug})
	}

	q.start()
	return nil
}

func relayTargetDirective(m *config.Map, node config.Node) (interface{}, error) {
	var t Deliverer
	if err := modconfig.ModuleFromNode("target", node.Args, node, m.Globals, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *Dequeuer) Name() string {
	return "queue"
}

func (q *Dequeuer) InstanceName() string {
	return q.instName
}

// Store exposes the queue store for management commands (list, remove,
// clear).
func (q *Dequeuer) Store() Store {
	return q.store
}

// Enqueue serializes the relay session and appends it to the queue. The
// receipt engine calls it exactly once per accepted message.
func (q *Dequeuer) Enqueue(rs *session.RelaySession) error {
	data, err := rs.Encode()
	if err != nil {
		return err
	}
	if err := q.store.Enqueue(&Entry{UID: rs.Session.ID, Data: data}); err != nil {
		return err
	}
	q.updateLength()
	return nil
}

func (q *Dequeuer) updateLength() {
	if n, err := q.store.Len(); err == nil {
		queuedMsgs.WithLabelValues(q.instName).Set(float64(n))
	}
}

func (q *Dequeuer) start() {
	q.stop = make(chan struct{})
	q.schedulerWg.Add(1)
	go q.loop()
}

func (q *Dequeuer) loop() {
	defer q.schedulerWg.Done()

	t := time.NewTicker(q.tick)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			q.processBatch(context.Background(), q.maxDequeue, time.Now())
		case <-q.stop:
			return
		}
	}
}

func (q *Dequeuer) Close() error {
	if q.stop != nil {
		close(q.stop)
		q.schedulerWg.Wait()
	}
	if q.store != nil {
		return q.store.Close()
	}
	return nil
}

// backoff returns how long a session rests after its n-th failed
// attempt: nothing before the first attempt, then one minute doubling up
// to an hour.
func backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := time.Minute << uint(retryCount-1)
	if d <= 0 || d > time.Hour {
		return time.Hour
	}
	return d
}

// processBatch pops up to max entries and processes them sequentially.
// It returns the number of entries it handled. A close request stops it
// between entries, never in the middle of one.
func (q *Dequeuer) processBatch(ctx context.Context, max int, now time.Time) int {
	defer q.updateLength()

	// Entries that are not due yet go back to the tail, so without this
	// bound a short queue would be cycled through repeatedly until max
	// is reached.
	if n, err := q.store.Len(); err == nil && n < max {
		max = n
	}

	processed := 0
	for i := 0; i < max; i++ {
		select {
		case <-q.stop:
			return processed
		default:
		}

		ent, err := q.store.Dequeue()
		if err != nil {
			q.Log.Error("queue read failed, interrupting the pass", err)
			return processed
		}
		if ent == nil {
			return processed
		}

		q.processEntry(ctx, ent, now)
		processed++
	}
	return processed
}

// processEntry runs the full retry pipeline for one popped entry. The
// entry is already removed from the store; whatever should be attempted
// again is enqueued anew.
func (q *Dequeuer) processEntry(ctx context.Context, ent *Entry, now time.Time) {
	rs, err := session.DecodeRelay(ent.Data)
	if err != nil {
		// The store already handles unreadable records, this one was
		// readable but not a relay session. Nothing can be retried.
		q.Log.Error("dropped undecodable queue entry", err, "uid", ent.UID)
		return
	}
	if q.blobs != nil {
		rs.BindBlobs(q.blobs)
	}

	s := rs.Session
	if len(s.Envelopes) == 0 {
		q.Log.Msg("dropped session without envelopes", "session", s.ID)
		if err := s.Close(); err != nil {
			q.Log.Error("artifact release failed", err, "session", s.ID)
		}
		return
	}

	if wait := backoff(rs.RetryCount); now.Sub(rs.LastAttempt) < wait {
		q.Log.DebugMsg("requeue", "session", s.ID, "reason", "not due yet",
			"due_in", wait-now.Sub(rs.LastAttempt))
		q.requeue(ent.UID, ent.Data)
		return
	}

	routes, err := q.Resolver.ResolveRoutes(ctx, s.Domains())
	if err != nil {
		q.Log.Error("route resolution interrupted, requeueing", err, "session", s.ID)
		q.requeue(ent.UID, ent.Data)
		return
	}

	for _, route := range routes {
		logBase := txLogSizes(s)
		routed := s.CloneForRoute(route)
		if routed == nil {
			continue
		}
		if err := q.target.Deliver(ctx, routed); err != nil {
			q.Log.Error("delivery attempt failed", err,
				"session", s.ID, "route", route.Canonical())
		}
		mergeRouteResults(s, route, routed, logBase)
	}

	q.settle(rs, ent.UID, now)
}

// requeue appends the encoded session back to the tail, keeping its UID.
func (q *Dequeuer) requeue(uid string, data []byte) {
	if err := q.store.Enqueue(&Entry{UID: uid, Data: data}); err != nil {
		q.Log.Error("requeue failed, the message is lost", err, "uid", uid)
	}
}

// txLogSizes snapshots the per-envelope transaction log lengths (last
// element is the session-level log) so merging after delivery only
// copies entries the attempt added.
func txLogSizes(s *session.Session) []int {
	sizes := make([]int, len(s.Envelopes)+1)
	for i, env := range s.Envelopes {
		sizes[i] = len(env.Log)
	}
	sizes[len(s.Envelopes)] = len(s.Log)
	return sizes
}

// mergeRouteResults copies the delivery outcomes recorded in the routed
// clone back into the original session. Clone envelopes correspond to
// the original envelopes with at least one recipient in the route, in
// order, which is exactly how CloneForRoute builds them.
func mergeRouteResults(s *session.Session, route *mxroute.Route, routed *session.Session, logBase []int) {
	domains := make(map[string]struct{}, len(route.Domains))
	for _, d := range route.Domains {
		domains[strings.ToLower(d)] = struct{}{}
	}

	ci := 0
	for i, env := range s.Envelopes {
		matched := env.RecipientsInDomains(domains)
		if len(matched) == 0 {
			continue
		}
		if ci >= len(routed.Envelopes) {
			break
		}
		renv := routed.Envelopes[ci]
		ci++

		for _, rcpt := range matched {
			if st, ok := renv.Status[rcpt]; ok {
				env.SetStatus(rcpt, st.Code, st.Line, st.Delivered)
			}
		}
		if len(renv.Log) > logBase[i] {
			env.Log = append(env.Log, renv.Log[logBase[i]:]...)
		}
	}

	sessBase := logBase[len(logBase)-1]
	if len(routed.Log) > sessBase {
		s.Log = append(s.Log, routed.Log[sessBase:]...)
	}
}

// settle decides the fate of each envelope after a delivery pass and of
// the session as a whole: drop, retry or bounce.
func (q *Dequeuer) settle(rs *session.RelaySession, uid string, now time.Time) {
	s := rs.Session

	kept := s.Envelopes[:0]
	for _, env := range s.Envelopes {
		delivered := env.DeliveredRecipients()
		switch {
		case len(env.Recipients) == 0:
			settledEnvelopes.WithLabelValues(q.instName, "dropped").Inc()
			q.releaseArtifact(env, s.ID)
		case len(delivered) == len(env.Recipients):
			q.Log.Msg("delivered", "session", s.ID, "sender", env.Sender,
				"rcpts", delivered)
			settledEnvelopes.WithLabelValues(q.instName, "delivered").Inc()
			q.releaseArtifact(env, s.ID)
		default:
			if len(delivered) > 0 {
				q.Log.Msg("partially delivered", "session", s.ID,
					"sender", env.Sender, "rcpts", delivered)
				env.Prune(delivered)
			}
			kept = append(kept, env)
		}
	}
	s.Envelopes = kept

	if len(kept) == 0 {
		return
	}

	if rs.RetryCount < q.maxRetries {
		rs.RetryCount++
		rs.LastAttempt = now
		data, err := rs.Encode()
		if err != nil {
			q.Log.Error("cannot serialize session, dropping it", err, "session", s.ID)
			settledEnvelopes.WithLabelValues(q.instName, "dropped").Add(float64(len(kept)))
			if err := s.Close(); err != nil {
				q.Log.Error("artifact release failed", err, "session", s.ID)
			}
			return
		}
		q.Log.Msg("requeue", "session", s.ID, "retry", rs.RetryCount,
			"next_attempt_in", backoff(rs.RetryCount))
		q.requeue(uid, data)
		return
	}

	for _, env := range kept {
		outcome := "bounced"
		if env.Sender == "" {
			// A failed bounce. Generating another one would loop.
			q.Log.Msg("dropped failed bounce message", "session", s.ID,
				"rcpts", env.Recipients)
			outcome = "dropped"
		} else if !q.emitBounce(s, rs, env, now) {
			outcome = "dropped"
		}
		settledEnvelopes.WithLabelValues(q.instName, outcome).Inc()
		q.releaseArtifact(env, s.ID)
	}
}

func (q *Dequeuer) releaseArtifact(env *session.Envelope, sessID string) {
	if env.Artifact == nil {
		return
	}
	if err := env.Artifact.Release(); err != nil {
		q.Log.Error("artifact release failed", err, "session", sessID)
	}
}

// emitBounce synthesizes the RFC 3464 non-delivery report for one
// exhausted envelope and enqueues it as a fresh session with a null
// return path. It reports whether the report made it into the queue.
func (q *Dequeuer) emitBounce(s *session.Session, rs *session.RelaySession, env *session.Envelope, now time.Time) bool {
	rcptInfo := make([]dsn.RecipientInfo, 0, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		st, ok := env.Status[rcpt]
		if !ok {
			st = session.RecipientStatus{
				Code: 450,
				Line: "450 4.4.1 no delivery attempt succeeded",
			}
		}
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         dsn.EnhancedStatus(st.Code, st.Line),
			DiagnosticCode: st.Line,
		})
	}

	dsnID := uuid.New().String()
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    q.hostname,
		ReceivedFromMTA: s.Hostname,
		XSender:         env.Sender,
		XMessageID:      s.ID,
		ArrivalDate:     rs.FirstEnqueue,
		LastAttemptDate: now,
	}
	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + q.autogenDomain + ">",
		From:  "MAILER-DAEMON@" + q.autogenDomain,
		To:    env.Sender,
	}

	var body bytes.Buffer
	header, err := dsn.GenerateDSN(env.UTF8, dsnEnvelope, mtaInfo, rcptInfo, q.failedHeader(env), &body)
	if err != nil {
		q.Log.Error("failed to generate the bounce message", err, "session", s.ID)
		return false
	}

	path := filepath.Join(q.bounceDir, dsnID+".eml")
	length, err := writeBounceFile(path, header, body.Bytes())
	if err != nil {
		q.Log.Error("failed to store the bounce message", err, "session", s.ID)
		return false
	}

	bounce := session.New(session.Inbound)
	bounce.Hostname = q.hostname
	benv := bounce.OpenEnvelope("")
	benv.AddRecipient(env.Sender)
	benv.UTF8 = env.UTF8
	benv.DeclaredSize = length
	benv.Artifact = session.NewFileArtifact(path, length)

	brs := session.NewRelay(bounce)
	data, err := brs.Encode()
	if err != nil {
		q.Log.Error("cannot serialize the bounce message", err, "session", s.ID)
		q.releaseArtifact(benv, bounce.ID)
		return false
	}
	if err := q.store.Enqueue(&Entry{UID: bounce.ID, Data: data}); err != nil {
		q.Log.Error("cannot enqueue the bounce message", err, "session", s.ID)
		q.releaseArtifact(benv, bounce.ID)
		return false
	}
	q.Log.Msg("bounce enqueued", "session", s.ID, "dsn_id", dsnID, "to", env.Sender)
	return true
}

// failedHeader reads the header section of the undeliverable message for
// inclusion in the report. An unreadable artifact yields an empty header.
func (q *Dequeuer) failedHeader(env *session.Envelope) textproto.Header {
	if env.Artifact == nil {
		return textproto.Header{}
	}
	rc, err := env.Artifact.Open(context.Background())
	if err != nil {
		q.Log.Error("cannot read the original message", err)
		return textproto.Header{}
	}
	defer rc.Close()

	hdr, err := textproto.ReadHeader(bufio.NewReader(rc))
	if err != nil {
		q.Log.Error("cannot parse the original message header", err)
		return textproto.Header{}
	}
	return hdr
}

func writeBounceFile(path string, header textproto.Header, body []byte) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := textproto.WriteHeader(f, header); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func init() {
	module.Register("queue", NewDequeuer)
}
