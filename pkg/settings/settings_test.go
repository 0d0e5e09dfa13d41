package settings

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labkit/internal/protocol"
	"labkit/internal/simulator"
	"labkit/internal/transport"
	"labkit/pkg/devices"
)

func startLIA(t *testing.T) *devices.Device {
	t.Helper()
	hub := simulator.New(simulator.Options{TickInterval: time.Hour})
	hub.Add(simulator.NewLIA("dev1000"))
	srv := httptest.NewServer(hub.Handler())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, transport.Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.EndpointPath,
		ClientName: "settings-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		hub.Close()
		srv.Close()
	})

	dev, err := devices.New(ctx, conn, "dev1000", "LIA100")
	require.NoError(t, err)
	return dev
}

func TestCapture(t *testing.T) {
	dev := startLIA(t)
	ctx := context.Background()

	snap, err := Capture(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, "dev1000", snap.Serial)
	assert.Equal(t, "LIA100", snap.DeviceType)
	assert.False(t, snap.Taken.IsZero())

	paths := make(map[string]bool, len(snap.Values))
	for _, sv := range snap.Values {
		paths[sv.Path] = true
	}
	assert.True(t, paths["/oscs/0/freq"])
	assert.True(t, paths["/demods/0/rate"])
	assert.False(t, paths["/demods/0/freq"], "read-only leaves are not captured")
	assert.False(t, paths["/features/options"], "non-setting leaves are not captured")
}

func TestSaveLoadApply(t *testing.T) {
	dev := startLIA(t)
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "lia.json")

	require.NoError(t, dev.Node("oscs/0/freq").SetDouble(ctx, 42e3))
	snap, err := Capture(ctx, dev)
	require.NoError(t, err)
	require.NoError(t, Save(file, snap))

	// Drift the device away from the snapshot.
	require.NoError(t, dev.Node("oscs/0/freq").SetDouble(ctx, 1e3))

	loaded, err := Load(file)
	require.NoError(t, err)
	if diff := cmp.Diff(snap.Values, loaded.Values); diff != "" {
		t.Fatalf("snapshot changed across save/load (-saved +loaded):\n%s", diff)
	}
	report, err := Apply(ctx, dev, loaded)
	require.NoError(t, err)
	assert.Equal(t, len(loaded.Values), report.Applied)
	assert.Empty(t, report.Skipped)

	v, err := dev.Node("oscs/0/freq").GetDeep(ctx)
	require.NoError(t, err)
	f, _ := v.Float()
	assert.Equal(t, 42e3, f)
}

func TestApplySkipsForeignPaths(t *testing.T) {
	dev := startLIA(t)
	ctx := context.Background()

	snap := &Snapshot{
		Serial: "dev9999",
		Values: []SavedValue{
			{Path: "/oscs/0/freq", Type: protocol.TypeDouble, Data: 7e3},
			{Path: "/awgs/0/enable", Type: protocol.TypeInt, Data: int64(1)},
			{Path: "/demods/0/freq", Type: protocol.TypeDouble, Data: 1.0},
		},
	}
	report, err := Apply(ctx, dev, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.ElementsMatch(t, []string{"/awgs/0/enable", "/demods/0/freq"}, report.Skipped)

	v, err := dev.Node("oscs/0/freq").GetDeep(ctx)
	require.NoError(t, err)
	f, _ := v.Float()
	assert.Equal(t, 7e3, f)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(file, []byte("{not json"), 0o644))
		_, err := Load(file)
		assert.Error(t, err)
	})
}

func TestWatcher(t *testing.T) {
	dev := startLIA(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	file := filepath.Join(t.TempDir(), "watched.json")

	w, err := Watch(ctx, dev, file, WatchOptions{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	defer w.Stop()

	snap := &Snapshot{
		Serial: "dev1000",
		Values: []SavedValue{{Path: "/oscs/0/freq", Type: protocol.TypeDouble, Data: 123e3}},
	}
	require.NoError(t, Save(file, snap))

	require.Eventually(t, func() bool {
		return w.Stats().Applied >= 1
	}, 3*time.Second, 25*time.Millisecond, "snapshot write was not applied")

	v, err := dev.Node("oscs/0/freq").GetDeep(ctx)
	require.NoError(t, err)
	f, _ := v.Float()
	assert.Equal(t, 123e3, f)

	t.Run("existing file applies on start", func(t *testing.T) {
		snap.Values[0].Data = 77e3
		require.NoError(t, Save(file, snap))

		w2, err := Watch(ctx, dev, file, WatchOptions{Debounce: 20 * time.Millisecond})
		require.NoError(t, err)
		defer w2.Stop()
		assert.GreaterOrEqual(t, w2.Stats().Applied, 1)

		v, err := dev.Node("oscs/0/freq").GetDeep(ctx)
		require.NoError(t, err)
		f, _ := v.Float()
		assert.Equal(t, 77e3, f)
	})
}
