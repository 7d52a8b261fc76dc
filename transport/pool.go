package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"mini-grpc/codec"
)

// Dialer opens one connection to the remote endpoint.
type Dialer func(ctx context.Context) (net.Conn, error)

// Pool holds up to size multiplexed transports to one endpoint. Slots are
// dialed lazily on first use and redialed after their connection fails, and
// Get spreads callers over slots round robin. Concurrent Gets that hit the same
// empty slot share one dial.
type Pool struct {
	dial        Dialer
	codec       codec.CodecType
	opts        []Option
	dialTimeout time.Duration

	mu     sync.Mutex
	slots  []*ClientTransport
	closed bool

	next  atomic.Uint32
	group singleflight.Group
}

// NewPool returns an empty pool. Transports it creates get opts.
func NewPool(size int, codecType codec.CodecType, dial Dialer, dialTimeout time.Duration, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		dial:        dial,
		codec:       codecType,
		opts:        opts,
		dialTimeout: dialTimeout,
		slots:       make([]*ClientTransport, size),
	}
}

// Get returns a live transport, dialing if the chosen slot is empty or dead.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	i := int(p.next.Add(1)-1) % len(p.slots)
	if t, err := p.live(i); t != nil || err != nil {
		return t, err
	}

	ch := p.group.DoChan(strconv.Itoa(i), func() (any, error) {
		if t, err := p.live(i); t != nil || err != nil {
			return t, err
		}
		// The dial outlives any single caller so followers sharing it are not
		// failed by the leader's cancellation.
		dctx := context.WithoutCancel(ctx)
		if p.dialTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(dctx, p.dialTimeout)
			defer cancel()
		}
		conn, err := p.dial(dctx)
		if err != nil {
			return nil, err
		}
		t := NewClientTransport(conn, p.codec, p.opts...)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			t.Close()
			return nil, ErrClosed
		}
		p.slots[i] = t
		return t, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ClientTransport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// live returns slot i if its transport is usable.
func (p *Pool) live(i int) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if t := p.slots[i]; t != nil && t.Err() == nil {
		return t, nil
	}
	return nil, nil
}

// Len returns the number of live transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.slots {
		if t != nil && t.Err() == nil {
			n++
		}
	}
	return n
}

// Close closes every transport and rejects further Gets.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var first error
	for i, t := range p.slots {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
		p.slots[i] = nil
	}
	return first
}
