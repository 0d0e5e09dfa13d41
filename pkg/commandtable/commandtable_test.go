package commandtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }
func boolp(v bool) *bool        { return &v }

func playEntry(index, slot int) Entry {
	return Entry{
		Index:      index,
		Waveform:   &Waveform{Index: intp(slot)},
		Amplitude0: &Parameter{Value: floatp(0.5)},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid table passes", func(t *testing.T) {
		ct := New()
		ct.Upsert(playEntry(0, 0))
		ct.Upsert(Entry{
			Index:      1,
			Amplitude0: &Parameter{Value: floatp(0.1), Increment: boolp(true)},
			Phase:      &Parameter{Value: floatp(90)},
		})
		assert.NoError(t, ct.Validate())
	})

	t.Run("empty table passes", func(t *testing.T) {
		assert.NoError(t, New().Validate())
	})

	t.Run("index beyond range fails", func(t *testing.T) {
		ct := New()
		ct.Upsert(playEntry(1024, 0))
		err := ct.Validate()
		require.ErrorIs(t, err, ErrSchemaViolation)
		assert.Contains(t, err.Error(), "/table/0/index")
	})

	t.Run("amplitude beyond unit range fails", func(t *testing.T) {
		ct := New()
		ct.Upsert(Entry{Index: 0, Amplitude0: &Parameter{Value: floatp(1.5)}})
		assert.ErrorIs(t, ct.Validate(), ErrSchemaViolation)
	})

	t.Run("missing header version fails", func(t *testing.T) {
		ct := &CommandTable{}
		assert.ErrorIs(t, ct.Validate(), ErrSchemaViolation)
	})

	t.Run("duplicate index fails before the schema runs", func(t *testing.T) {
		ct := New()
		ct.Table = []Entry{playEntry(3, 0), playEntry(3, 1)}
		assert.ErrorIs(t, ct.Validate(), ErrDuplicateIndex)
	})
}

func TestLoad(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		ct := New()
		ct.Header.UserString = "ramsey"
		ct.Upsert(playEntry(0, 2))
		data, err := ct.MarshalValidated()
		require.NoError(t, err)

		got, err := Load(data)
		require.NoError(t, err)
		assert.Equal(t, "ramsey", got.Header.UserString)
		e, ok := got.Entry(0)
		require.True(t, ok)
		assert.Equal(t, 2, *e.Waveform.Index)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := Load([]byte(`{"header":`))
		assert.Error(t, err)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		_, err := Load([]byte(`{"header":{"version":"1.2.0"},"table":[{"index":0,"bogus":1}]}`))
		assert.ErrorIs(t, err, ErrSchemaViolation)
	})
}

func TestUpsert(t *testing.T) {
	t.Run("keeps entries sorted by index", func(t *testing.T) {
		ct := New()
		ct.Upsert(playEntry(5, 0))
		ct.Upsert(playEntry(1, 1))
		ct.Upsert(playEntry(3, 2))
		require.Len(t, ct.Table, 3)
		assert.Equal(t, []int{1, 3, 5}, []int{ct.Table[0].Index, ct.Table[1].Index, ct.Table[2].Index})
	})

	t.Run("replaces the entry with the same index", func(t *testing.T) {
		ct := New()
		ct.Upsert(playEntry(2, 0))
		ct.Upsert(playEntry(2, 9))
		require.Len(t, ct.Table, 1)
		e, _ := ct.Entry(2)
		assert.Equal(t, 9, *e.Waveform.Index)
	})
}

func TestClear(t *testing.T) {
	ct := New()
	ct.Upsert(playEntry(0, 0))
	ct.Clear()
	assert.Empty(t, ct.Table)
	assert.Equal(t, SchemaVersion, ct.Header.Version)
}
