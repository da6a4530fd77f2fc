package ratelimit

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsBackend(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, Unlimited{}, l)

	l, err = New(Config{PerMinute: 3})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, l)

	l, err = New(Config{PerMinute: 3, Backend: "redis"})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, l)
	_ = l.(*Redis).Close()

	_, err = New(Config{PerMinute: 3, Backend: "etcd"})
	assert.Error(t, err)
}

func TestMemoryLimitsPerUser(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(2)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := m.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := m.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)

	res, err = m.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "buckets are per user")

	now = now.Add(time.Minute)
	res, err = m.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "bucket refills after a minute")
	assert.Equal(t, 1, res.Remaining)
}

func TestUnlimited(t *testing.T) {
	res, err := Unlimited{}.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisUnreachableReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewRedis(client, 5)
	defer r.Close()

	_, err := r.Allow(context.Background(), "alice")
	assert.Error(t, err)
}

// respServer answers INCR and EXPIRE over the Redis wire protocol. The first
// failExpire EXPIRE commands get an error reply.
type respServer struct {
	mu         sync.Mutex
	counters   map[string]int64
	expires    []string
	failExpire int
}

func startRESP(t *testing.T, failExpire int) (*respServer, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	srv := &respServer{counters: make(map[string]int64), failExpire: failExpire}
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn)
		}
	}()
	return srv, lis.Addr().String()
}

func (s *respServer) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		args, err := readCommand(rd)
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte(s.reply(args))); err != nil {
			return
		}
	}
}

func (s *respServer) reply(args []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToLower(args[0]) {
	case "incr":
		s.counters[args[1]]++
		return fmt.Sprintf(":%d\r\n", s.counters[args[1]])
	case "expire":
		s.expires = append(s.expires, args[1])
		if s.failExpire > 0 {
			s.failExpire--
			return "-ERR expire refused\r\n"
		}
		return ":1\r\n"
	case "ping":
		return "+PONG\r\n"
	default:
		return "+OK\r\n"
	}
}

func readCommand(rd *bufio.Reader) ([]string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if _, err := rd.ReadString('\n'); err != nil { // $len
			return nil, err
		}
		arg, err := rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		args = append(args, strings.TrimSuffix(arg, "\r\n"))
	}
	return args, nil
}

func TestRedisWindow(t *testing.T) {
	srv, addr := startRESP(t, 0)
	r := NewRedis(redis.NewClient(&redis.Options{Addr: addr}), 2)
	defer r.Close()
	r.now = func() time.Time { return time.Date(2030, 1, 1, 12, 0, 15, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := r.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := r.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 45*time.Second, res.RetryAfter)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, int64(3), srv.counters["flowqueue:rl:alice:203001011200"])
}

func TestRedisFailedExpireIsRearmed(t *testing.T) {
	srv, addr := startRESP(t, 1)
	r := NewRedis(redis.NewClient(&redis.Options{Addr: addr}), 5)
	defer r.Close()
	ctx := context.Background()

	res, err := r.Allow(ctx, "bob")
	require.NoError(t, err, "a failed expiry does not block admission")
	assert.True(t, res.Allowed)

	_, err = r.Allow(ctx, "bob")
	require.NoError(t, err)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.expires, 2, "the next hit sets the expiry again")
	assert.Equal(t, srv.expires[0], srv.expires[1])
	assert.Zero(t, srv.failExpire)
}
