package recording

import (
	"errors"
	"sync"
)

var ErrNoPortsAvailable = errors.New("no recording ports available")

// PortPair is one RTP/RTCP port pair leased to a recording stream.
type PortPair struct {
	RTP  int
	RTCP int
}

// PortPool hands out RTP/RTCP port pairs from a configured range so
// concurrent recordings never share pipeline listen ports.
type PortPool struct {
	mu     sync.Mutex
	min    int
	max    int
	leased map[int]bool
}

// NewPortPool covers [min, max]. RTP ports are even, RTCP is RTP+1.
func NewPortPool(min, max int) *PortPool {
	if min%2 != 0 {
		min++
	}
	return &PortPool{min: min, max: max, leased: make(map[int]bool)}
}

func (p *PortPool) Allocate() (PortPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.min; port+1 <= p.max; port += 2 {
		if !p.leased[port] {
			p.leased[port] = true
			return PortPair{RTP: port, RTCP: port + 1}, nil
		}
	}
	return PortPair{}, ErrNoPortsAvailable
}

func (p *PortPool) Release(pair PortPair) {
	p.mu.Lock()
	delete(p.leased, pair.RTP)
	p.mu.Unlock()
}
