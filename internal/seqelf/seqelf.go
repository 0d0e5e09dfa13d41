// Package seqelf extracts compiled sequencer programs from the ELF
// objects produced by the sequencer compiler. The compiler places the
// program metadata, the bytecode and the baked-in waveforms in custom
// .seqc.* sections.
package seqelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

const (
	metaSection = ".seqc.meta"
	textSection = ".seqc.text"
	wavePrefix  = ".seqc.wave."
)

// Meta is the JSON document in the .seqc.meta section.
type Meta struct {
	Name         string            `json:"name"`
	SampleRateHz float64           `json:"sampleRateHz"`
	WaveSlots    map[string]string `json:"waveSlots"`
}

// Program is a fully extracted sequencer program.
type Program struct {
	Meta     Meta
	Bytecode []byte
	// Waves holds the baked-in waveform data keyed by memory slot,
	// already in the device's interleaved int16 layout.
	Waves map[int][]int16
}

// Parse extracts a program from a compiled sequencer object.
func Parse(data []byte) (*Program, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "not a valid sequencer object")
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 {
		return nil, errors.Errorf("unsupported ELF class %s", f.Class)
	}

	meta, err := readMeta(f)
	if err != nil {
		return nil, err
	}

	text := f.Section(textSection)
	if text == nil {
		return nil, errors.Errorf("section %s missing", textSection)
	}
	bytecode, err := text.Data()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", textSection)
	}
	if len(bytecode) == 0 {
		return nil, errors.Errorf("section %s is empty", textSection)
	}

	waves, err := readWaves(f, meta)
	if err != nil {
		return nil, err
	}

	return &Program{Meta: meta, Bytecode: bytecode, Waves: waves}, nil
}

func readMeta(f *elf.File) (Meta, error) {
	sec := f.Section(metaSection)
	if sec == nil {
		return Meta{}, errors.Errorf("section %s missing", metaSection)
	}
	raw, err := sec.Data()
	if err != nil {
		return Meta{}, errors.Wrapf(err, "read %s", metaSection)
	}
	var meta Meta
	if err := json.Unmarshal(bytes.TrimRight(raw, "\x00"), &meta); err != nil {
		return Meta{}, errors.Wrap(err, "parse program metadata")
	}
	if meta.Name == "" {
		return Meta{}, errors.New("program metadata has no name")
	}
	return meta, nil
}

func readWaves(f *elf.File, meta Meta) (map[int][]int16, error) {
	waves := make(map[int][]int16, len(meta.WaveSlots))
	for slotStr, symbol := range meta.WaveSlots {
		slot, err := strconv.Atoi(slotStr)
		if err != nil || slot < 0 {
			return nil, errors.Errorf("invalid wave slot %q in metadata", slotStr)
		}
		sec := f.Section(wavePrefix + slotStr)
		if sec == nil {
			return nil, errors.Errorf("wave %q: section %s%s missing", symbol, wavePrefix, slotStr)
		}
		raw, err := sec.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "read wave %q", symbol)
		}
		if len(raw)%2 != 0 {
			return nil, errors.Errorf("wave %q: odd payload length %d", symbol, len(raw))
		}
		samples := make([]int16, len(raw)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		waves[slot] = samples
	}
	return waves, nil
}
