package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := lis.Accept()
		if err == nil {
			done <- c
		}
	}()

	client, err = net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	server = <-done

	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestPoolLIFO(t *testing.T) {
	p := NewPool(4, time.Minute)

	first, _ := tcpPair(t)
	second, _ := tcpPair(t)

	p.Put("k", first)
	p.Put("k", second)

	assert.Same(t, second, p.Get("k"))
	assert.Same(t, first, p.Get("k"))
	assert.Nil(t, p.Get("k"))
}

func TestPoolRejectsDeadSocket(t *testing.T) {
	p := NewPool(4, time.Minute)

	client, server := tcpPair(t)
	p.Put("k", client)
	server.Close()

	// remote close must fail the liveness probe
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, p.Get("k"))
}

func TestPoolIdleTimeout(t *testing.T) {
	p := NewPool(4, 10*time.Millisecond)

	client, _ := tcpPair(t)
	p.Put("k", client)

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, p.Get("k"))
}

func TestPoolCapacityEvictsOldest(t *testing.T) {
	p := NewPool(2, time.Minute)

	a, _ := tcpPair(t)
	b, _ := tcpPair(t)
	c, _ := tcpPair(t)

	p.Put("k", a)
	p.Put("k", b)
	p.Put("k", c)

	// a was evicted; LIFO hands back c then b
	assert.Same(t, c, p.Get("k"))
	assert.Same(t, b, p.Get("k"))
	assert.Nil(t, p.Get("k"))
}

func TestPoolCloseDropsEverything(t *testing.T) {
	p := NewPool(4, time.Minute)

	client, _ := tcpPair(t)
	p.Put("k", client)
	p.Close()

	assert.Nil(t, p.Get("k"))

	// puts after close are refused
	late, _ := tcpPair(t)
	p.Put("k", late)
	assert.Nil(t, p.Get("k"))
}
