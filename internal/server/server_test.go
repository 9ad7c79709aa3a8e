package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardkv/internal/dispatch"
	"shardkv/internal/store"
)

func startTestServer(t *testing.T) net.Addr {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	shards := make([]*store.Shard, 4)
	for i := range shards {
		shards[i] = store.New(i, 64, nil, zerolog.Nop())
		go shards[i].Run(ctx)
	}

	cfg := Config{
		MaxConnections:   8,
		ReadBufferBytes:  4096,
		RateLimitPerSec:  10000,
		RateLimitBurst:   1000,
		OutboundCapacity: 16,
	}
	srv := New(cfg, dispatch.New(shards), zerolog.Nop(), nil)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ctx)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return addr
}

func dialTest(t *testing.T, addr net.Addr) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, args ...string) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	_, err := io.WriteString(conn, b.String())
	require.NoError(t, err)
}

// readFrame reads one complete reply frame off r and returns its raw wire
// text, recursing into arrays.
func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	switch line[0] {
	case '+', '-', ':':
		return line
	case '$':
		n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
		require.NoError(t, err)
		if n == -1 {
			return line
		}
		body := make([]byte, n+2)
		_, err = io.ReadFull(r, body)
		require.NoError(t, err)
		return line + string(body)
	case '*':
		n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
		require.NoError(t, err)
		if n == -1 {
			return line
		}
		var b strings.Builder
		b.WriteString(line)
		for i := 0; i < n; i++ {
			b.WriteString(readFrame(t, r))
		}
		return b.String()
	default:
		t.Fatalf("unexpected reply type byte %q", line[0])
		return ""
	}
}

func TestPingPong(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)
	send(t, conn, "PING")
	assert.Equal(t, "+PONG\r\n", readFrame(t, r))
}

func TestSetGetMissing(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)

	send(t, conn, "SET", "foo", "bar")
	assert.Equal(t, "+OK\r\n", readFrame(t, r))

	send(t, conn, "GET", "foo")
	assert.Equal(t, "$3\r\nbar\r\n", readFrame(t, r))

	send(t, conn, "GET", "missing")
	assert.Equal(t, "$-1\r\n", readFrame(t, r))
}

func TestIncrSequence(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)

	send(t, conn, "SET", "n", "41")
	assert.Equal(t, "+OK\r\n", readFrame(t, r))
	send(t, conn, "INCR", "n")
	assert.Equal(t, ":42\r\n", readFrame(t, r))
	send(t, conn, "INCRBY", "n", "-2")
	assert.Equal(t, ":40\r\n", readFrame(t, r))
}

func TestMsetMgetPreservesRequestOrder(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)

	send(t, conn, "MSET", "a", "1", "b", "2", "c", "3")
	assert.Equal(t, "+OK\r\n", readFrame(t, r))

	send(t, conn, "MGET", "c", "a", "b")
	assert.Equal(t, "*3\r\n$1\r\n3\r\n$1\r\n1\r\n$1\r\n2\r\n", readFrame(t, r))
}

func TestExpirationOverWire(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)

	send(t, conn, "SET", "k", "v", "PX", "50")
	assert.Equal(t, "+OK\r\n", readFrame(t, r))

	send(t, conn, "GET", "k")
	assert.Equal(t, "$1\r\nv\r\n", readFrame(t, r))

	time.Sleep(120 * time.Millisecond)

	send(t, conn, "GET", "k")
	assert.Equal(t, "$-1\r\n", readFrame(t, r))
	send(t, conn, "TTL", "k")
	assert.Equal(t, ":-2\r\n", readFrame(t, r))
}

func TestSetMutuallyExclusiveOptionsError(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)

	send(t, conn, "SET", "x", "1", "NX", "XX")
	reply := readFrame(t, r)
	assert.True(t, strings.HasPrefix(reply, "-ERR"), "got %q", reply)
}

func TestSubscribePublishFanOut(t *testing.T) {
	addr := startTestServer(t)
	subConn, subR := dialTest(t, addr)
	pubConn, pubR := dialTest(t, addr)

	send(t, subConn, "SUBSCRIBE", "ch")
	assert.Equal(t, "*3\r\n+Subscribe\r\n$2\r\nch\r\n:1\r\n", readFrame(t, subR))

	send(t, pubConn, "PUBLISH", "ch", "hi")
	assert.Equal(t, ":1\r\n", readFrame(t, pubR))

	assert.Equal(t, "*3\r\n+message\r\n$2\r\nch\r\n$2\r\nhi\r\n", readFrame(t, subR))
}

func TestHoldOnModeRejectsNonPubSubCommands(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)

	send(t, conn, "SUBSCRIBE", "ch")
	readFrame(t, r)

	send(t, conn, "GET", "foo")
	reply := readFrame(t, r)
	assert.Contains(t, reply, "command not allowed when subscribing to channels")

	// unsubscribing from the last channel exits hold-on mode
	send(t, conn, "UNSUBSCRIBE", "ch")
	readFrame(t, r)

	send(t, conn, "GET", "foo")
	assert.Equal(t, "$-1\r\n", readFrame(t, r))
}

func TestPublishToChannelWithoutSubscribersReturnsZero(t *testing.T) {
	addr := startTestServer(t)
	conn, r := dialTest(t, addr)

	send(t, conn, "PUBLISH", "nobody-home", "x")
	assert.Equal(t, ":0\r\n", readFrame(t, r))
}

func TestConnectionTeardownReleasesSubscriptions(t *testing.T) {
	addr := startTestServer(t)
	subConn, subR := dialTest(t, addr)
	pubConn, pubR := dialTest(t, addr)

	send(t, subConn, "SUBSCRIBE", "ch")
	readFrame(t, subR)
	subConn.Close()

	// teardown is asynchronous; poll until the publish count drops to zero
	deadline := time.Now().Add(2 * time.Second)
	for {
		send(t, pubConn, "PUBLISH", "ch", "x")
		if reply := readFrame(t, pubR); reply == ":0\r\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not torn down after connection close")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
