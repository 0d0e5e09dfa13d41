package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	t.Run("lower-cases and adds leading slash", func(t *testing.T) {
		assert.Equal(t, "/dev1000/demods/0/freq", CanonicalPath("DEV1000/Demods/0/FREQ"))
	})

	t.Run("strips trailing slash", func(t *testing.T) {
		assert.Equal(t, "/hub/devices", CanonicalPath("/hub/devices/"))
	})

	t.Run("join", func(t *testing.T) {
		assert.Equal(t, "/dev1000/oscs/0/freq", JoinPath("dev1000", "oscs/0", "freq"))
	})
}

func TestValueEncoding(t *testing.T) {
	t.Run("complex encodes as pair", func(t *testing.T) {
		v := Value{Path: "/dev1/demods/0/xy", Type: TypeComplex, Timestamp: 42, Data: Complex{Re: 1.5, Im: -2}}
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		assert.JSONEq(t, `{"path":"/dev1/demods/0/xy","type":"complex","timestamp":42,"data":[1.5,-2]}`, string(raw))

		var back Value
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, v, back)
	})

	t.Run("bytes round trip through base64", func(t *testing.T) {
		v := Value{Path: "/dev1/awgs/0/elf/data", Type: TypeBytes, Data: []byte{0x7f, 'E', 'L', 'F'}}
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		// encoding/json base64-encodes []byte
		assert.Contains(t, string(raw), `"f0VMRg=="`)

		var back Value
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, back.Data)
	})

	t.Run("sample decodes to flat map", func(t *testing.T) {
		raw := []byte(`{"path":"/DEV1/demods/0/sample","type":"sample","timestamp":7,"data":{"x":0.25,"y":-0.5,"frequency":10e3}}`)
		var v Value
		require.NoError(t, json.Unmarshal(raw, &v))
		assert.Equal(t, "/dev1/demods/0/sample", v.Path, "paths canonicalize on decode")
		sample, ok := v.Data.(Sample)
		require.True(t, ok)
		assert.Equal(t, 0.25, sample["x"])
		assert.Equal(t, 10e3, sample["frequency"])
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		var v Value
		err := json.Unmarshal([]byte(`{"path":"/a","type":"blob","data":1}`), &v)
		assert.Error(t, err)

		_, err = json.Marshal(Value{Path: "/a", Type: "blob", Data: 1})
		assert.Error(t, err)
	})

	t.Run("numeric accessors", func(t *testing.T) {
		i := Value{Type: TypeInt, Data: int64(3)}
		f, ok := i.Float()
		assert.True(t, ok)
		assert.Equal(t, 3.0, f)

		n, ok := i.Int()
		assert.True(t, ok)
		assert.Equal(t, int64(3), n)

		_, ok = Value{Type: TypeString, Data: "x"}.Float()
		assert.False(t, ok)
	})
}

func TestNodeInfo(t *testing.T) {
	info := NodeInfo{
		Node:       "/DEV1000/DEMODS/0/SAMPLE",
		Properties: []string{PropRead, PropStream},
		Type:       NodeTypeSample,
	}
	assert.True(t, info.HasProperty(PropStream))
	assert.False(t, info.HasProperty(PropWrite))
	assert.Equal(t, TypeSample, info.ValueTypeOf())
	assert.Equal(t, TypeInt, NodeInfo{Type: NodeTypeInteger}.ValueTypeOf())
}

func TestErrorString(t *testing.T) {
	err := Errorf(CodeNodeNotFound, "no node %s", "/dev1/bogus")
	assert.EqualError(t, err, "hub error 3: no node /dev1/bogus")
}
