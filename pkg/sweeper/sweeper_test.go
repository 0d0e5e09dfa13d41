package sweeper

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labkit/internal/protocol"
	"labkit/internal/simulator"
	"labkit/internal/transport"
	"labkit/pkg/nodetree"
)

func TestNew(t *testing.T) {
	t.Run("linear grid hits both bounds", func(t *testing.T) {
		s, err := New(Config{Start: 0, Stop: 10, Samples: 5})
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 2.5, 5, 7.5, 10}, s.Grid())
	})

	t.Run("descending sweep", func(t *testing.T) {
		s, err := New(Config{Start: 10, Stop: 0, Samples: 3})
		require.NoError(t, err)
		assert.Equal(t, []float64{10, 5, 0}, s.Grid())
	})

	t.Run("log grid is decade-spaced", func(t *testing.T) {
		s, err := New(Config{Start: 1, Stop: 1000, Samples: 4, Mapping: MappingLog})
		require.NoError(t, err)
		grid := s.Grid()
		assert.InDelta(t, 1, grid[0], 1e-9)
		assert.InDelta(t, 10, grid[1], 1e-9)
		assert.InDelta(t, 100, grid[2], 1e-9)
		assert.Equal(t, float64(1000), grid[3])
	})

	t.Run("validation", func(t *testing.T) {
		cases := map[string]Config{
			"too few samples":   {Start: 0, Stop: 1, Samples: 1},
			"equal bounds":      {Start: 5, Stop: 5, Samples: 3},
			"log with zero":     {Start: 0, Stop: 10, Samples: 3, Mapping: MappingLog},
			"log with negative": {Start: -1, Stop: 10, Samples: 3, Mapping: MappingLog},
			"unknown mapping":   {Start: 0, Stop: 1, Samples: 3, Mapping: "cubic"},
		}
		for name, cfg := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := New(cfg)
				assert.Error(t, err)
			})
		}
	})
}

func startLIA(t *testing.T) *nodetree.Tree {
	t.Helper()
	hub := simulator.New(simulator.Options{TickInterval: 10 * time.Millisecond})
	hub.Add(simulator.NewLIA("dev1000"))
	srv := httptest.NewServer(hub.Handler())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, transport.Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.EndpointPath,
		ClientName: "sweeper-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		hub.Close()
		srv.Close()
	})

	tree, err := nodetree.New(ctx, conn, "dev1000")
	require.NoError(t, err)
	return tree
}

func TestRun(t *testing.T) {
	tree := startLIA(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("collects a point per grid value", func(t *testing.T) {
		s, err := New(Config{Start: 1e3, Stop: 5e3, Samples: 3, AveragingSamples: 2})
		require.NoError(t, err)

		result, err := s.Run(ctx, tree.Node("oscs/0/freq"), tree.Node("oscs/0/freq"), tree.Node("demods/0/order"))
		require.NoError(t, err)
		require.Len(t, result.Points, 3)
		assert.Equal(t, 1.0, s.Progress())

		for i, p := range result.Points {
			assert.Equal(t, result.Grid[i], p.Value)
			// 2 read nodes x 2 averaging samples.
			assert.Len(t, p.Samples, 4)
		}

		// The setting really arrived at the stop value.
		v, err := tree.Node("oscs/0/freq").GetDeep(ctx)
		require.NoError(t, err)
		f, _ := v.Float()
		assert.Equal(t, 5e3, f)
	})

	t.Run("needs a read node", func(t *testing.T) {
		s, err := New(Config{Start: 0, Stop: 1, Samples: 2})
		require.NoError(t, err)
		_, err = s.Run(ctx, tree.Node("oscs/0/freq"))
		assert.Error(t, err)
	})

	t.Run("cancellation aborts with a wrapped point error", func(t *testing.T) {
		s, err := New(Config{Start: 0, Stop: 1, Samples: 2, SettleTime: time.Hour})
		require.NoError(t, err)

		runCtx, cancelRun := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancelRun()
		}()
		_, err = s.Run(runCtx, tree.Node("oscs/0/freq"), tree.Node("demods/0/order"))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "sweep aborted at point 1/2")
		assert.Less(t, s.Progress(), 1.0)
	})
}
