package client

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/supportline/internal/core"
)

func TestPoolSharesAgentChannel(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d, fastOptions())
	ctx := context.Background()

	a, err := p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "tok"})
	require.NoError(t, err)
	b, err := p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "tok"})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 2, p.Refs(a))
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.Release(a))
	assert.Equal(t, StateOpen, b.State())
	require.NoError(t, p.Release(b))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, p.Len())

	c, err := p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "tok"})
	require.NoError(t, err)
	defer p.Release(c)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, d.count())
}

func TestPoolSeparatesIdentities(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d, fastOptions())
	ctx := context.Background()

	a, err := p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "one"})
	require.NoError(t, err)
	b, err := p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "two"})
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	v1, err := p.Acquire(ctx, Identity{Role: core.RoleVisitor, SessionID: "s"})
	require.NoError(t, err)
	v2, err := p.Acquire(ctx, Identity{Role: core.RoleVisitor, SessionID: "s"})
	require.NoError(t, err)
	assert.NotSame(t, v1, v2)
	assert.Equal(t, 2, p.Len())

	require.NoError(t, p.Release(v1))
	assert.Equal(t, StateClosed, v1.State())
	assert.Equal(t, StateOpen, v2.State())
}

func TestPoolAuthFailures(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d, fastOptions())
	ctx := context.Background()

	_, err := p.Acquire(ctx, Identity{Role: core.RoleAgent})
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 0, d.count())

	d.failNext(fmt.Errorf("%w: rejected", ErrAuth))
	_, err = p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "bad"})
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 0, p.Len())
}

func TestPoolEvictIgnoresRefs(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(d, fastOptions())
	ctx := context.Background()

	a, err := p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "tok"})
	require.NoError(t, err)
	_, err = p.Acquire(ctx, Identity{Role: core.RoleAgent, Token: "tok"})
	require.NoError(t, err)

	require.NoError(t, p.Evict(a))
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 0, p.Len())
}
