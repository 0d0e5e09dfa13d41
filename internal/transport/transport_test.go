package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"labkit/internal/protocol"
	"labkit/internal/simulator"
	"labkit/pkg/nodetree"
)

// startHub runs a simulator with one LIA behind httptest and returns the
// websocket URL of its RPC endpoint.
func startHub(t *testing.T, opts simulator.Options) (*simulator.Hub, string) {
	t.Helper()
	hub := simulator.New(opts)
	hub.Add(simulator.NewLIA("dev1000"))
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.EndpointPath
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, Options{URL: url, ClientName: "transport-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDialHello(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{Version: "25.4.0", Revision: 777})
	conn := dialTest(t, url)

	info := conn.Server()
	assert.Equal(t, "labkit-simulator", info.Name)
	assert.Equal(t, "25.4.0", info.Version)
	assert.Equal(t, int64(777), info.Revision)
	assert.NotEmpty(t, conn.ID())
}

func TestDialRejectsWrongAPILevel(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, Options{URL: url, APILevel: 99})
	require.Error(t, err)
	var he *protocol.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, protocol.CodeBadRequest, he.Code)
}

func TestGetAndSet(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{})
	conn := dialTest(t, url)
	ctx := context.Background()

	values, err := conn.Get(ctx, []string{"/dev1000/oscs/0/freq"}, false)
	require.NoError(t, err)
	require.Len(t, values, 1)
	f, ok := values[0].Float()
	require.True(t, ok)
	assert.Equal(t, 10e3, f)

	acks, err := conn.Set(ctx, []protocol.SetItem{
		{Path: "/dev1000/oscs/0/freq", Type: protocol.TypeDouble, Data: 25e3},
	})
	require.NoError(t, err)
	require.Len(t, acks, 1)

	values, err = conn.Get(ctx, []string{"/dev1000/oscs/0/freq"}, true)
	require.NoError(t, err)
	f, _ = values[0].Float()
	assert.Equal(t, 25e3, f)
}

func TestWildcardGet(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{})
	conn := dialTest(t, url)

	values, err := conn.Get(context.Background(), []string{"/dev1000/demods/*/rate"}, false)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "/dev1000/demods/0/rate", values[0].Path)
}

func TestListNodesInfo(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{})
	conn := dialTest(t, url)

	infos, err := conn.ListNodesInfo(context.Background(), "/dev1000/*")
	require.NoError(t, err)
	assert.Contains(t, infos, "/dev1000/demods/0/sample")
	assert.True(t, infos["/dev1000/demods/0/sample"].HasProperty(protocol.PropStream))
}

func TestSubscribePollAndWatch(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{TickInterval: 10 * time.Millisecond})
	conn := dialTest(t, url)
	ctx := context.Background()

	const path = "/dev1000/demods/0/sample"
	require.NoError(t, conn.Subscribe(ctx, []string{path}))
	assert.True(t, conn.Subscribed(path))

	updates, cancel := conn.Watch(path)
	defer cancel()
	select {
	case v := <-updates:
		assert.Equal(t, path, v.Path)
		assert.Equal(t, protocol.TypeSample, v.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no streaming update arrived")
	}

	polled, err := conn.PollUpdates(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Contains(t, polled, path)
	assert.NotEmpty(t, polled[path])

	require.NoError(t, conn.Unsubscribe(ctx, []string{path}))
	assert.False(t, conn.Subscribed(path))

	// Buffers are discarded on unsubscribe.
	polled, err = conn.PollUpdates(ctx, 0)
	require.NoError(t, err)
	assert.NotContains(t, polled, path)
}

func TestSyncBarrier(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{})
	conn := dialTest(t, url)
	assert.NoError(t, conn.Sync(context.Background()))
}

func TestClose(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{})
	conn := dialTest(t, url)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "double close is a no-op")

	_, err := conn.Get(context.Background(), []string{"/dev1000/oscs/0/freq"}, false)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestHubVanishingClosesWatchers(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	hub, url := startHub(t, simulator.Options{TickInterval: 10 * time.Millisecond})
	conn := dialTest(t, url)

	require.NoError(t, conn.Subscribe(context.Background(), []string{"/dev1000/demods/0/sample"}))
	updates, cancel := conn.Watch("/dev1000/demods/0/sample")
	defer cancel()

	hub.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return // channel closed as expected
			}
		case <-deadline:
			t.Fatal("watcher channel not closed after hub shutdown")
		}
	}
}

func TestConnImplementsConnection(t *testing.T) {
	var _ nodetree.Connection = (*Conn)(nil)
}

func TestConnectDevice(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	_, url := startHub(t, simulator.Options{})
	conn := dialTest(t, url)
	ctx := context.Background()

	require.NoError(t, conn.ConnectDevice(ctx, "dev1000", "1GbE"))

	err := conn.ConnectDevice(ctx, "dev9999", "")
	var he *protocol.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, protocol.CodeDeviceNotFound, he.Code)

	require.NoError(t, conn.DisconnectDevice(ctx, "dev1000"))
}
