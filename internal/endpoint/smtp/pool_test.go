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
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server
}

func TestWorkerPoolHandlesAll(t *testing.T) {
	var handled atomic.Int64
	var wg sync.WaitGroup

	pool := newWorkerPool(2, 8, 16, time.Minute, func(c net.Conn) {
		handled.Add(1)
		c.Close()
		wg.Done()
	})
	defer pool.Close()

	const n = 32
	for i := 0; i < n; i++ {
		wg.Add(1)
		if !pool.Submit(pipeConn(t)) {
			wg.Done()
			t.Fatalf("Submit %d rejected", i)
		}
	}
	wg.Wait()

	if got := handled.Load(); got != n {
		t.Errorf("handled %d connections, want %d", got, n)
	}
}

func TestWorkerPoolBacklogFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 16)

	// One worker, backlog of one: the third connection has nowhere to go.
	pool := newWorkerPool(1, 1, 1, time.Minute, func(c net.Conn) {
		started <- struct{}{}
		<-block
		c.Close()
	})
	defer func() {
		close(block)
		pool.Close()
	}()

	if !pool.Submit(pipeConn(t)) {
		t.Fatal("first Submit rejected")
	}
	<-started // worker busy now
	if !pool.Submit(pipeConn(t)) {
		t.Fatal("backlog Submit rejected")
	}

	deadline := time.After(5 * time.Second)
	for {
		if !pool.Submit(pipeConn(t)) {
			return // full backlog reported
		}
		select {
		case <-deadline:
			t.Fatal("Submit never reported a full backlog")
		default:
		}
	}
}

func TestWorkerPoolGrowsPastMin(t *testing.T) {
	block := make(chan struct{})
	var running atomic.Int64

	pool := newWorkerPool(1, 4, 1, time.Minute, func(c net.Conn) {
		running.Add(1)
		<-block
		c.Close()
	})
	defer func() {
		close(block)
		pool.Close()
	}()

	for i := 0; i < 4; i++ {
		if !pool.Submit(pipeConn(t)) {
			// Backlog can momentarily fill while workers spin up.
			time.Sleep(10 * time.Millisecond)
			if !pool.Submit(pipeConn(t)) {
				t.Fatalf("Submit %d rejected twice", i)
			}
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for running.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pool never grew, %d workers running", running.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerPoolClose(t *testing.T) {
	pool := newWorkerPool(2, 4, 8, time.Minute, func(c net.Conn) {
		c.Close()
	})
	pool.Close()

	if pool.Submit(pipeConn(t)) {
		t.Error("Submit accepted after Close")
	}
}
