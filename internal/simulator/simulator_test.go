package simulator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labkit/internal/protocol"
)

func newTestClient(t *testing.T, hub *Hub) *client {
	t.Helper()
	c := &client{hub: hub, subs: make(map[string]bool), greeted: true}
	return c
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func result[T any](t *testing.T, resp protocol.Response) T {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected hub error: %v", resp.Error)
	var out T
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	return out
}

func TestHelloGate(t *testing.T) {
	hub := New(Options{})
	defer hub.Close()
	c := &client{hub: hub, subs: make(map[string]bool)}

	resp := c.dispatch(protocol.Request{Method: protocol.MethodSync})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeBadRequest, resp.Error.Code)

	resp = c.dispatch(protocol.Request{
		Method: protocol.MethodHello,
		Params: mustParams(t, protocol.HelloParams{Client: "t", APILevel: hub.opts.APILevel}),
	})
	require.Nil(t, resp.Error)

	resp = c.dispatch(protocol.Request{Method: protocol.MethodSync})
	assert.Nil(t, resp.Error)
}

func TestHelloRejectsForeignAPILevel(t *testing.T) {
	hub := New(Options{})
	defer hub.Close()
	c := &client{hub: hub, subs: make(map[string]bool)}

	resp := c.dispatch(protocol.Request{
		Method: protocol.MethodHello,
		Params: mustParams(t, protocol.HelloParams{APILevel: 1}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeBadRequest, resp.Error.Code)
}

func TestSetValidation(t *testing.T) {
	hub := New(Options{})
	defer hub.Close()
	hub.Add(NewLIA("dev1000"))
	c := newTestClient(t, hub)

	t.Run("read-only node yields code 4", func(t *testing.T) {
		resp := c.dispatch(protocol.Request{Method: protocol.MethodSet, Params: mustParams(t, protocol.SetParams{
			Items: []protocol.SetItem{{Path: "/dev1000/features/options", Type: protocol.TypeString, Data: "X"}},
		})})
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeReadOnly, resp.Error.Code)
	})

	t.Run("wrong type yields code 5", func(t *testing.T) {
		resp := c.dispatch(protocol.Request{Method: protocol.MethodSet, Params: mustParams(t, protocol.SetParams{
			Items: []protocol.SetItem{{Path: "/dev1000/oscs/0/freq", Type: protocol.TypeString, Data: "fast"}},
		})})
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeTypeMismatch, resp.Error.Code)
	})

	t.Run("unknown node yields code 3", func(t *testing.T) {
		resp := c.dispatch(protocol.Request{Method: protocol.MethodSet, Params: mustParams(t, protocol.SetParams{
			Items: []protocol.SetItem{{Path: "/dev1000/bogus", Type: protocol.TypeInt, Data: int64(1)}},
		})})
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeNodeNotFound, resp.Error.Code)
	})

	t.Run("batch is all-or-nothing", func(t *testing.T) {
		resp := c.dispatch(protocol.Request{Method: protocol.MethodSet, Params: mustParams(t, protocol.SetParams{
			Items: []protocol.SetItem{
				{Path: "/dev1000/oscs/0/freq", Type: protocol.TypeDouble, Data: 99e3},
				{Path: "/dev1000/bogus", Type: protocol.TypeInt, Data: int64(1)},
			},
		})})
		require.NotNil(t, resp.Error)

		getResp := c.dispatch(protocol.Request{Method: protocol.MethodGet, Params: mustParams(t, protocol.GetParams{
			Paths: []string{"/dev1000/oscs/0/freq"},
		})})
		values := result[[]protocol.Value](t, getResp)
		f, _ := values[0].Float()
		assert.Equal(t, 10e3, f, "first item must not be applied")
	})
}

func TestMK1RejectsNodeDocs(t *testing.T) {
	hub := New(Options{})
	defer hub.Close()
	hub.Add(NewMK1("dev5000"))
	c := newTestClient(t, hub)

	resp := c.dispatch(protocol.Request{Method: protocol.MethodListNodesInfo, Params: mustParams(t, protocol.ListNodesInfoParams{
		Path: "/dev5000/*",
	})})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnsupported, resp.Error.Code)

	// Plain listing still works for MK1.
	listResp := c.dispatch(protocol.Request{Method: protocol.MethodListNodes, Params: mustParams(t, protocol.ListNodesParams{
		Path: "/dev5000/*", Recursive: true, LeavesOnly: true,
	})})
	paths := result[[]string](t, listResp)
	assert.Contains(t, paths, "/dev5000/demods/0/sample")
}

func TestListNodesFilters(t *testing.T) {
	hub := New(Options{})
	defer hub.Close()
	hub.Add(NewLIA("dev1000"))
	c := newTestClient(t, hub)

	streaming := result[[]string](t, c.dispatch(protocol.Request{
		Method: protocol.MethodListNodes,
		Params: mustParams(t, protocol.ListNodesParams{Path: "/dev1000/*", StreamingOnly: true}),
	}))
	assert.Equal(t, []string{"/dev1000/demods/0/sample"}, streaming)

	settings := result[[]string](t, c.dispatch(protocol.Request{
		Method: protocol.MethodListNodes,
		Params: mustParams(t, protocol.ListNodesParams{Path: "/dev1000/*", SettingsOnly: true}),
	}))
	assert.Contains(t, settings, "/dev1000/oscs/0/freq")
	assert.NotContains(t, settings, "/dev1000/system/preset/busy")
}

func TestPresetFlip(t *testing.T) {
	hub := New(Options{PresetDelay: 30 * time.Millisecond})
	defer hub.Close()
	hub.Add(NewLIA("dev1000"))
	c := newTestClient(t, hub)

	readInt := func(path string) int64 {
		resp := c.dispatch(protocol.Request{Method: protocol.MethodGet, Params: mustParams(t, protocol.GetParams{Paths: []string{path}})})
		values := result[[]protocol.Value](t, resp)
		n, _ := values[0].Int()
		return n
	}

	resp := c.dispatch(protocol.Request{Method: protocol.MethodSet, Params: mustParams(t, protocol.SetParams{
		Items: []protocol.SetItem{{Path: "/dev1000/system/preset/load", Type: protocol.TypeInt, Data: int64(1)}},
	})})
	require.Nil(t, resp.Error)

	assert.Equal(t, int64(1), readInt("/dev1000/system/preset/busy"), "busy goes high immediately")

	assert.Eventually(t, func() bool {
		return readInt("/dev1000/system/preset/busy") == 0
	}, time.Second, 10*time.Millisecond, "busy falls after the preset delay")
	assert.Equal(t, int64(0), readInt("/dev1000/system/preset/error"))
}

func TestPresetFailure(t *testing.T) {
	hub := New(Options{PresetDelay: 10 * time.Millisecond})
	defer hub.Close()
	hub.Add(NewLIA("dev1000"))
	hub.FailNextPreset("dev1000")
	c := newTestClient(t, hub)

	resp := c.dispatch(protocol.Request{Method: protocol.MethodSet, Params: mustParams(t, protocol.SetParams{
		Items: []protocol.SetItem{{Path: "/dev1000/system/preset/load", Type: protocol.TypeInt, Data: int64(1)}},
	})})
	require.Nil(t, resp.Error)

	assert.Eventually(t, func() bool {
		getResp := c.dispatch(protocol.Request{Method: protocol.MethodGet, Params: mustParams(t, protocol.GetParams{
			Paths: []string{"/dev1000/system/preset/error"},
		})})
		values := result[[]protocol.Value](t, getResp)
		n, _ := values[0].Int()
		return n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceRegistry(t *testing.T) {
	hub := New(Options{})
	defer hub.Close()
	hub.Add(NewLIA("dev1000"))
	hub.SetStatusFlags("dev1000", protocol.StatusFlagUpdating)
	c := newTestClient(t, hub)

	resp := c.dispatch(protocol.Request{Method: protocol.MethodGet, Params: mustParams(t, protocol.GetParams{
		Paths: []string{protocol.DevicesNodePath},
	})})
	values := result[[]protocol.Value](t, resp)
	raw, ok := values[0].Str()
	require.True(t, ok)

	var reg map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &reg))
	entry, ok := reg["DEV1000"]
	require.True(t, ok, "registry keys are upper-case serials")
	assert.Equal(t, "LIA100", entry["DEVICETYPE"])
	assert.Equal(t, float64(protocol.StatusFlagUpdating), entry["STATUSFLAGS"])
}
