// Package serverpool selects content servers for the manifest handshake.
package serverpool

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrEmpty is returned when a pool is built with no servers.
var ErrEmpty = errors.New("server pool is empty")

// Pool is a fixed, ordered set of interchangeable content servers.
//
// Disabled servers are expected to be left out of the list entirely; the
// pool performs no health checking.
type Pool struct {
	servers []string

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a pool over servers. A nil src seeds from the clock.
func New(servers []string, src rand.Source) (*Pool, error) {
	if len(servers) == 0 {
		return nil, ErrEmpty
	}
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed>>1)
	}
	list := make([]string, len(servers))
	copy(list, servers)
	return &Pool{servers: list, rng: rand.New(src)}, nil
}

// Size returns the number of servers in the pool.
func (p *Pool) Size() int {
	return len(p.servers)
}

// Servers returns a copy of the pool's server list.
func (p *Pool) Servers() []string {
	out := make([]string, len(p.servers))
	copy(out, p.servers)
	return out
}

// Pick returns a uniformly random server.
func (p *Pool) Pick() string {
	p.mu.Lock()
	i := p.rng.IntN(len(p.servers))
	p.mu.Unlock()
	return p.servers[i]
}

// Failover returns the server for a retry with remaining tries left.
// Successive decreasing values walk the pool backwards instead of
// re-randomizing.
func (p *Pool) Failover(remaining int) string {
	n := len(p.servers)
	i := remaining % n
	if i < 0 {
		i += n
	}
	return p.servers[i]
}
