package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/mistakeknot/supportline/internal/core"
)

// Pool hands out channels. Agent channels are shared per credential and
// reference counted; every visitor acquire gets its own channel.
type Pool struct {
	dialer Dialer
	opts   ChannelOptions

	mu     sync.Mutex
	agents map[string]*Channel
}

func NewPool(dialer Dialer, opts ChannelOptions) *Pool {
	return &Pool{dialer: dialer, opts: opts, agents: make(map[string]*Channel)}
}

// Acquire returns a connected channel for id.
func (p *Pool) Acquire(ctx context.Context, id Identity) (*Channel, error) {
	switch id.Role {
	case core.RoleVisitor:
		ch := newChannel(p.dialer, id, p.opts)
		ch.refs = 1
		if err := ch.start(ctx); err != nil {
			return nil, err
		}
		return ch, nil
	case core.RoleAgent:
		if id.Token == "" {
			return nil, fmt.Errorf("%w: agent token required", ErrAuth)
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", core.ErrValidation, id.Role)
	}

	p.mu.Lock()
	if ch, ok := p.agents[id.Token]; ok {
		ch.refs++
		p.mu.Unlock()
		if err := ch.WaitConnected(ctx); err != nil {
			p.Release(ch)
			return nil, err
		}
		return ch, nil
	}
	ch := newChannel(p.dialer, id, p.opts)
	ch.refs = 1
	p.agents[id.Token] = ch
	p.mu.Unlock()

	if err := ch.start(ctx); err != nil {
		p.mu.Lock()
		if p.agents[id.Token] == ch {
			delete(p.agents, id.Token)
		}
		p.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Release drops one reference. The physical connection closes when the
// last reference goes.
func (p *Pool) Release(ch *Channel) error {
	if ch == nil {
		return nil
	}
	if ch.key == "" {
		return ch.Close()
	}
	p.mu.Lock()
	ch.refs--
	if ch.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	if p.agents[ch.key] == ch {
		delete(p.agents, ch.key)
	}
	p.mu.Unlock()
	return ch.Close()
}

// Evict closes ch regardless of outstanding references. Identity changes
// use it so no consumer keeps talking as the old identity.
func (p *Pool) Evict(ch *Channel) error {
	if ch == nil {
		return nil
	}
	if ch.key != "" {
		p.mu.Lock()
		ch.refs = 0
		if p.agents[ch.key] == ch {
			delete(p.agents, ch.key)
		}
		p.mu.Unlock()
	}
	return ch.Close()
}

// Refs reports the reference count of a shared agent channel.
func (p *Pool) Refs(ch *Channel) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ch.refs
}

// Len reports how many shared agent channels are open.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}
