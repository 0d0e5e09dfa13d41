package seqelf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawSection struct {
	name string
	data []byte
}

// buildObject assembles a minimal ELF64 relocatable with the given
// sections, the shape the sequencer compiler emits.
func buildObject(t *testing.T, sections []rawSection) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		shdrSize = 64
	)
	le := binary.LittleEndian

	// String table: leading NUL, section names, then the table's own name.
	strtab := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}
	shstrtabNameOff := uint32(len(strtab))
	strtab = append(strtab, []byte(".shstrtab")...)
	strtab = append(strtab, 0)

	dataOff := make([]uint64, len(sections))
	off := uint64(ehdrSize)
	for i, s := range sections {
		dataOff[i] = off
		off += uint64(len(s.data))
	}
	strtabOff := off
	off += uint64(len(strtab))
	shoff := off

	shnum := uint16(len(sections) + 2) // null + sections + .shstrtab

	buf := make([]byte, 0, int(shoff)+int(shnum)*shdrSize)
	ehdr := make([]byte, ehdrSize)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(ehdr[16:], 1) // ET_REL
	le.PutUint32(ehdr[20:], 1)
	le.PutUint64(ehdr[40:], shoff)
	le.PutUint16(ehdr[52:], ehdrSize)
	le.PutUint16(ehdr[58:], shdrSize)
	le.PutUint16(ehdr[60:], shnum)
	le.PutUint16(ehdr[62:], shnum-1)
	buf = append(buf, ehdr...)

	for _, s := range sections {
		buf = append(buf, s.data...)
	}
	buf = append(buf, strtab...)

	shdr := func(name uint32, typ uint32, off, size uint64) []byte {
		h := make([]byte, shdrSize)
		le.PutUint32(h[0:], name)
		le.PutUint32(h[4:], typ)
		le.PutUint64(h[24:], off)
		le.PutUint64(h[32:], size)
		le.PutUint64(h[48:], 1) // sh_addralign
		return h
	}
	buf = append(buf, make([]byte, shdrSize)...) // SHT_NULL
	for i, s := range sections {
		buf = append(buf, shdr(nameOff[i], 1, dataOff[i], uint64(len(s.data)))...)
	}
	buf = append(buf, shdr(shstrtabNameOff, 3, strtabOff, uint64(len(strtab)))...)
	return buf
}

func waveBytes(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestParse(t *testing.T) {
	meta := []byte(`{"name":"ramsey","sampleRateHz":2.4e9,"waveSlots":{"0":"w_pi2","2":"w_pi"}}`)
	bytecode := []byte{0xde, 0xad, 0xbe, 0xef}

	t.Run("full program", func(t *testing.T) {
		obj := buildObject(t, []rawSection{
			{".seqc.meta", meta},
			{".seqc.text", bytecode},
			{".seqc.wave.0", waveBytes(0, 16383, -16383)},
			{".seqc.wave.2", waveBytes(32767)},
		})
		prog, err := Parse(obj)
		require.NoError(t, err)
		assert.Equal(t, "ramsey", prog.Meta.Name)
		assert.Equal(t, 2.4e9, prog.Meta.SampleRateHz)
		assert.Equal(t, bytecode, prog.Bytecode)
		require.Len(t, prog.Waves, 2)
		assert.Equal(t, []int16{0, 16383, -16383}, prog.Waves[0])
		assert.Equal(t, []int16{32767}, prog.Waves[2])
	})

	t.Run("metadata with NUL padding", func(t *testing.T) {
		padded := append(append([]byte{}, meta...), 0, 0, 0)
		obj := buildObject(t, []rawSection{
			{".seqc.meta", padded},
			{".seqc.text", bytecode},
			{".seqc.wave.0", waveBytes(1)},
			{".seqc.wave.2", waveBytes(2)},
		})
		prog, err := Parse(obj)
		require.NoError(t, err)
		assert.Equal(t, "ramsey", prog.Meta.Name)
	})

	t.Run("not an ELF object", func(t *testing.T) {
		_, err := Parse([]byte("#!/bin/sh\necho nope\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a valid sequencer object")
	})

	t.Run("missing metadata section", func(t *testing.T) {
		obj := buildObject(t, []rawSection{{".seqc.text", bytecode}})
		_, err := Parse(obj)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".seqc.meta missing")
	})

	t.Run("missing bytecode section", func(t *testing.T) {
		obj := buildObject(t, []rawSection{{".seqc.meta", meta}})
		_, err := Parse(obj)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".seqc.text missing")
	})

	t.Run("empty bytecode", func(t *testing.T) {
		obj := buildObject(t, []rawSection{
			{".seqc.meta", []byte(`{"name":"p"}`)},
			{".seqc.text", nil},
		})
		_, err := Parse(obj)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("wave slot without section", func(t *testing.T) {
		obj := buildObject(t, []rawSection{
			{".seqc.meta", []byte(`{"name":"p","waveSlots":{"1":"w"}}`)},
			{".seqc.text", bytecode},
		})
		_, err := Parse(obj)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".seqc.wave.1 missing")
	})

	t.Run("odd wave payload", func(t *testing.T) {
		obj := buildObject(t, []rawSection{
			{".seqc.meta", []byte(`{"name":"p","waveSlots":{"0":"w"}}`)},
			{".seqc.text", bytecode},
			{".seqc.wave.0", []byte{1, 2, 3}},
		})
		_, err := Parse(obj)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "odd payload length")
	})

	t.Run("non-numeric wave slot", func(t *testing.T) {
		obj := buildObject(t, []rawSection{
			{".seqc.meta", []byte(`{"name":"p","waveSlots":{"first":"w"}}`)},
			{".seqc.text", bytecode},
		})
		_, err := Parse(obj)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid wave slot "first"`)
	})

	t.Run("unnamed program", func(t *testing.T) {
		obj := buildObject(t, []rawSection{
			{".seqc.meta", []byte(`{"sampleRateHz":1}`)},
			{".seqc.text", bytecode},
		})
		_, err := Parse(obj)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no name")
	})
}
