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
	"time"
)

// workerPool runs accepted connections on a bounded set of goroutines.
//
// min workers are kept alive for the lifetime of the pool. Additional
// workers, up to max, are spawned while connections queue up and exit
// again after sitting idle for keepAlive. The queue channel doubles as
// the listener backlog: when it is full, Submit reports failure and the
// acceptor turns the connection away instead of letting it pile up.
type workerPool struct {
	handler   func(net.Conn)
	min, max  int
	keepAlive time.Duration

	queue chan net.Conn

	mu      sync.Mutex
	workers int
	closed  bool

	wg sync.WaitGroup
}

func newWorkerPool(min, max, backlog int, keepAlive time.Duration, handler func(net.Conn)) *workerPool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if backlog < 1 {
		backlog = 1
	}
	if keepAlive <= 0 {
		keepAlive = time.Minute
	}

	p := &workerPool{
		handler:   handler,
		min:       min,
		max:       max,
		keepAlive: keepAlive,
		queue:     make(chan net.Conn, backlog),
	}
	for i := 0; i < min; i++ {
		p.spawn(true)
	}
	return p
}

// Submit hands the connection to a worker. It reports false when the
// backlog is full or the pool is closed; the connection is not consumed
// in that case.
func (p *workerPool) Submit(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	// Grow while connections are waiting and there is headroom.
	if len(p.queue) > 0 && p.workers < p.max {
		p.spawnLocked(false)
	}

	select {
	case p.queue <- c:
		return true
	default:
	}

	// Queue full: one more chance if we can still grow.
	if p.workers < p.max {
		p.spawnLocked(false)
		select {
		case p.queue <- c:
			return true
		default:
		}
	}
	return false
}

func (p *workerPool) spawn(persistent bool) {
	p.mu.Lock()
	p.spawnLocked(persistent)
	p.mu.Unlock()
}

func (p *workerPool) spawnLocked(persistent bool) {
	p.workers++
	p.wg.Add(1)
	go p.work(persistent)
}

func (p *workerPool) work(persistent bool) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()

	if persistent {
		for c := range p.queue {
			p.handler(c)
		}
		return
	}

	idle := time.NewTimer(p.keepAlive)
	defer idle.Stop()
	for {
		select {
		case c, ok := <-p.queue:
			if !ok {
				return
			}
			p.handler(c)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(p.keepAlive)
		case <-idle.C:
			return
		}
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (p *workerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	p.wg.Wait()
}
