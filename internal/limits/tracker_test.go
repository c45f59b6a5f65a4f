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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/maitred-mta/maitred/framework/config"
	"github.com/maitred-mta/maitred/framework/exterrors"
	"github.com/maitred-mta/maitred/internal/testutils"
)

func TestTrackerPerIPLimit(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		Enabled:       true,
		MaxConnsPerIP: 2,
	})
	defer tr.Close()

	ip := net.IPv4(192, 0, 2, 1)
	base := time.Now()

	c1, err := tr.accept(ip, base)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	c2, err := tr.accept(ip, base)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}

	_, err = tr.accept(ip, base)
	testutils.CheckSMTPErr(t, err, 421, exterrors.EnhancedCode{4, 7, 0},
		"Too many connections, try again later")

	// Other IPs are not affected.
	other, err := tr.accept(net.IPv4(192, 0, 2, 2), base)
	if err != nil {
		t.Fatalf("accept other: %v", err)
	}
	other.close(base)

	c1.close(base)
	c3, err := tr.accept(ip, base)
	if err != nil {
		t.Fatalf("accept after close: %v", err)
	}

	c3.close(base)
	c2.close(base)
	if n := tr.TotalConns(); n != 0 {
		t.Errorf("total conns after close: %v", n)
	}
}

func TestTrackerTotalLimit(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		Enabled:       true,
		MaxTotalConns: 2,
	})
	defer tr.Close()

	base := time.Now()
	c1, err := tr.accept(net.IPv4(192, 0, 2, 1), base)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	c2, err := tr.accept(net.IPv4(192, 0, 2, 2), base)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}

	_, err = tr.accept(net.IPv4(192, 0, 2, 3), base)
	testutils.CheckSMTPErr(t, err, 421, exterrors.EnhancedCode{4, 4, 5},
		"Server too busy, try again later")

	c1.close(base)
	c3, err := tr.accept(net.IPv4(192, 0, 2, 3), base)
	if err != nil {
		t.Fatalf("accept after close: %v", err)
	}

	c3.close(base)
	c2.close(base)
}

func TestTrackerConnRateWindow(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		Enabled:           true,
		MaxConnsPerWindow: 5,
		RateLimitWindow:   1 * time.Minute,
	})
	defer tr.Close()

	ip := net.IPv4(203, 0, 113, 5)
	base := time.Now()

	for i := 0; i < 5; i++ {
		stamp := base.Add(time.Duration(i) * time.Second)
		c, err := tr.accept(ip, stamp)
		if err != nil {
			t.Fatalf("accept %d: %v", i+1, err)
		}
		c.close(stamp)
	}

	_, err := tr.accept(ip, base.Add(10*time.Second))
	testutils.CheckSMTPErr(t, err, 421, exterrors.EnhancedCode{4, 7, 0},
		"Connection rate exceeded, try again later")

	// The denied attempt counts too.
	if n := tr.recentConns(ip, base.Add(10*time.Second)); n != 6 {
		t.Errorf("recent conns: %v, want 6", n)
	}

	// All earlier attempts fall out of the window.
	c, err := tr.accept(ip, base.Add(75*time.Second))
	if err != nil {
		t.Fatalf("accept after decay: %v", err)
	}
	c.close(base.Add(75 * time.Second))
	if n := tr.recentConns(ip, base.Add(75*time.Second)); n != 1 {
		t.Errorf("recent conns after decay: %v, want 1", n)
	}
}

func TestTrackerCommandTarpit(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		Enabled:              true,
		MaxCommandsPerMinute: 3,
		TarpitDelay:          10 * time.Millisecond,
	})
	defer tr.Close()

	base := time.Now()
	c, err := tr.accept(net.IPv4(192, 0, 2, 1), base)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer c.Close()

	for i := 1; i <= 3; i++ {
		if d := c.command(base.Add(time.Duration(i) * time.Second)); d != 0 {
			t.Errorf("command %d: unexpected delay %v", i, d)
		}
	}

	// Each command over the budget is delayed, with the delay growing.
	for i := 1; i <= 10; i++ {
		d := c.command(base.Add(time.Duration(3+i) * time.Second))
		if want := time.Duration(i) * 10 * time.Millisecond; d != want {
			t.Errorf("command %d over budget: delay %v, want %v", i, d, want)
		}
	}

	// Growth stops at ten times the base delay.
	if d := c.command(base.Add(20 * time.Second)); d != 100*time.Millisecond {
		t.Errorf("capped delay: %v", d)
	}

	// The budget itself is a sliding window.
	if d := c.command(base.Add(2 * time.Minute)); d != 0 {
		t.Errorf("delay after window decay: %v", d)
	}
}

func TestTrackerKnobZero(t *testing.T) {
	tr := NewTracker(TrackerConfig{Enabled: true})
	defer tr.Close()

	ip := net.IPv4(192, 0, 2, 1)
	base := time.Now()
	conns := make([]*Conn, 0, 100)
	for i := 0; i < 100; i++ {
		c, err := tr.accept(ip, base)
		if err != nil {
			t.Fatalf("accept %d: %v", i+1, err)
		}
		conns = append(conns, c)
	}

	if n := tr.ActiveConns(ip); n != 100 {
		t.Errorf("active conns: %v", n)
	}

	for _, c := range conns {
		c.close(base)
	}
	if n := tr.TotalConns(); n != 0 {
		t.Errorf("total conns after close: %v", n)
	}
}

func TestTrackerDisabled(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		MaxConnsPerIP:     1,
		MaxTotalConns:     1,
		MaxConnsPerWindow: 1,
	})
	defer tr.Close()

	ip := net.IPv4(192, 0, 2, 1)
	base := time.Now()
	for i := 0; i < 10; i++ {
		c, err := tr.accept(ip, base)
		if err != nil {
			t.Fatalf("accept %d: %v", i+1, err)
		}
		if d := c.command(base); d != 0 {
			t.Errorf("unexpected tarpit delay: %v", d)
		}
		c.close(base)
	}

	if n := tr.Tracked(); n != 0 {
		t.Errorf("tracked entries: %v", n)
	}
}

func TestTrackerGC(t *testing.T) {
	tr := NewTracker(TrackerConfig{Enabled: true})
	defer tr.Close()

	base := time.Now()
	idle, err := tr.accept(net.IPv4(192, 0, 2, 1), base)
	if err != nil {
		t.Fatalf("accept idle: %v", err)
	}
	idle.close(base.Add(time.Second))

	busy, err := tr.accept(net.IPv4(192, 0, 2, 2), base)
	if err != nil {
		t.Fatalf("accept busy: %v", err)
	}

	tr.gc(base.Add(3 * time.Minute))
	if n := tr.Tracked(); n != 2 {
		t.Errorf("tracked after early gc: %v, want 2", n)
	}

	// The idle entry is removed, the one with an active connection stays.
	tr.gc(base.Add(10 * time.Minute))
	if n := tr.Tracked(); n != 1 {
		t.Errorf("tracked after gc: %v, want 1", n)
	}

	busy.close(base.Add(10 * time.Minute))
	tr.gc(base.Add(20 * time.Minute))
	if n := tr.Tracked(); n != 0 {
		t.Errorf("tracked after final gc: %v, want 0", n)
	}
}

func TestDataMonitorRate(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		Enabled:     true,
		MinDataRate: 10240,
	})
	defer tr.Close()

	base := time.Now()
	c, err := tr.accept(net.IPv4(192, 0, 2, 1), base)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer c.Close()

	m := c.data(base)
	for i := 0; i < 5; i++ {
		m.Observe(1024)
	}

	// Within the grace period even a slow transfer is fine.
	if err := m.Check(base.Add(4 * time.Second)); err != nil {
		t.Errorf("check within grace: %v", err)
	}

	err = m.Check(base.Add(5 * time.Second))
	testutils.CheckSMTPErr(t, err, 421, exterrors.EnhancedCode{4, 4, 2},
		"Message transfer is too slow")

	// A fast transfer passes the same check.
	m = c.data(base)
	m.Observe(10240 * 6)
	if err := m.Check(base.Add(5 * time.Second)); err != nil {
		t.Errorf("check fast transfer: %v", err)
	}
}

func TestDataMonitorDeadline(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		Enabled:        true,
		MaxDataTimeout: 10 * time.Second,
	})
	defer tr.Close()

	base := time.Now()
	c, err := tr.accept(net.IPv4(192, 0, 2, 1), base)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer c.Close()

	m := c.data(base)
	m.Observe(1 << 20)
	if err := m.Check(base.Add(9 * time.Second)); err != nil {
		t.Errorf("check before deadline: %v", err)
	}

	err = m.Check(base.Add(11 * time.Second))
	testutils.CheckSMTPErr(t, err, 421, exterrors.EnhancedCode{4, 4, 2},
		"Message transfer took too long")
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker(TrackerConfig{
		Enabled:       true,
		MaxConnsPerIP: 100,
	})
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip := net.IPv4(192, 0, 2, byte(i))
			for j := 0; j < 50; j++ {
				c, err := tr.Accept(ip)
				if err != nil {
					t.Errorf("accept: %v", err)
					return
				}
				c.Command()
				c.AddBytes(128)
				c.Close()
			}
		}()
	}
	wg.Wait()

	if n := tr.TotalConns(); n != 0 {
		t.Errorf("total conns after close: %v", n)
	}
}

func TestDoSDirective(t *testing.T) {
	node := config.Node{
		Name: "dos",
		Children: []config.Node{
			{Name: "enabled", Args: []string{"yes"}},
			{Name: "max_conns_per_ip", Args: []string{"2"}},
			{Name: "max_conns_per_window", Args: []string{"10"}},
			{Name: "rate_limit_window", Args: []string{"30s"}},
			{Name: "min_data_rate", Args: []string{"10K"}},
		},
	}

	val, err := DoSDirective(config.NewMap(nil, config.Node{}), node)
	if err != nil {
		t.Fatalf("directive: %v", err)
	}
	tr := val.(*Tracker)
	defer tr.Close()

	if !tr.cfg.Enabled {
		t.Error("tracker is disabled")
	}
	if tr.cfg.MaxConnsPerIP != 2 {
		t.Errorf("max conns per IP: %v", tr.cfg.MaxConnsPerIP)
	}
	if tr.cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("rate limit window: %v", tr.cfg.RateLimitWindow)
	}
	if tr.cfg.MinDataRate != 10*1024 {
		t.Errorf("min data rate: %v", tr.cfg.MinDataRate)
	}
	if tr.cfg.MaxDataTimeout != 10*time.Minute {
		t.Errorf("default data timeout: %v", tr.cfg.MaxDataTimeout)
	}

	val, err = DoSDirective(config.NewMap(nil, config.Node{}),
		config.Node{Name: "dos", Args: []string{"off"}})
	if err != nil {
		t.Fatalf("directive off: %v", err)
	}
	off := val.(*Tracker)
	defer off.Close()
	if off.cfg.Enabled {
		t.Error("'dos off' left the tracker enabled")
	}
}
