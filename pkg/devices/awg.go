package devices

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"labkit/internal/seqelf"
	"labkit/pkg/commandtable"
	"labkit/pkg/nodetree"
	"labkit/pkg/waveform"
)

func init() {
	Register("AWG", func(d *Device) any {
		return &AWG{Device: d, core: d.Node("awgs/0")}
	})
}

// AWG drives arbitrary waveform generators: sequencer program upload,
// waveform memory and command tables.
type AWG struct {
	*Device
	core nodetree.Node
}

// AsAWG returns the AWG family driver of a device, if it has one.
func AsAWG(d *Device) (*AWG, bool) {
	a, ok := d.Family().(*AWG)
	return a, ok
}

// LoadProgram uploads a compiled sequencer object: the bytecode and every
// baked-in waveform go to the device in a single transaction, so the
// sequencer never observes a half-loaded program.
func (a *AWG) LoadProgram(ctx context.Context, object []byte) error {
	prog, err := seqelf.Parse(object)
	if err != nil {
		return fmt.Errorf("load program: %w", err)
	}
	err = a.WithTransaction(ctx, func(tx *nodetree.Transaction) error {
		if err := tx.Set(a.core.Child("elf/data"), prog.Bytecode); err != nil {
			return err
		}
		for _, slot := range slotsOf(prog.Waves) {
			if err := tx.Set(a.waveNode(slot), prog.Waves[slot]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load program %q: %w", prog.Meta.Name, err)
	}
	a.logger.Info("sequencer program loaded",
		zap.String("program", prog.Meta.Name),
		zap.Int("bytecode_bytes", len(prog.Bytecode)),
		zap.Int("waves", len(prog.Waves)))
	return nil
}

// WriteWaveform validates and uploads a single wave into a memory slot.
func (a *AWG) WriteWaveform(ctx context.Context, slot int, w waveform.Wave) error {
	data, err := w.EncodeInterleaved()
	if err != nil {
		return fmt.Errorf("waveform slot %d: %w", slot, err)
	}
	if err := a.waveNode(slot).Set(ctx, data); err != nil {
		return fmt.Errorf("waveform slot %d: %w", slot, err)
	}
	return nil
}

// WriteWaveforms uploads a full waveform set in one transaction.
func (a *AWG) WriteWaveforms(ctx context.Context, set waveform.Set) error {
	return a.WithTransaction(ctx, func(tx *nodetree.Transaction) error {
		for _, slot := range set.Slots() {
			data, err := set[slot].EncodeInterleaved()
			if err != nil {
				return fmt.Errorf("waveform slot %d: %w", slot, err)
			}
			if err := tx.Set(a.waveNode(slot), data); err != nil {
				return fmt.Errorf("waveform slot %d: %w", slot, err)
			}
		}
		return nil
	})
}

// ReadWaveform reads a memory slot back and decodes it.
func (a *AWG) ReadWaveform(ctx context.Context, slot int, hasMarkers bool) (waveform.Wave, error) {
	v, err := a.waveNode(slot).GetDeep(ctx)
	if err != nil {
		return waveform.Wave{}, fmt.Errorf("waveform slot %d: %w", slot, err)
	}
	raw, ok := v.Data.([]int64)
	if !ok {
		return waveform.Wave{}, fmt.Errorf("waveform slot %d: unexpected payload %T", slot, v.Data)
	}
	data := make([]int16, len(raw))
	for i, s := range raw {
		data[i] = int16(s)
	}
	return waveform.DecodeInterleaved(data, 2, hasMarkers)
}

// UploadCommandTable validates a command table and writes it to the
// device. Invalid tables never leave the client.
func (a *AWG) UploadCommandTable(ctx context.Context, ct *commandtable.CommandTable) error {
	data, err := ct.MarshalValidated()
	if err != nil {
		return fmt.Errorf("upload command table: %w", err)
	}
	if err := a.core.Child("commandtable/data").SetString(ctx, string(data)); err != nil {
		return fmt.Errorf("upload command table: %w", err)
	}
	return nil
}

// CommandTable reads back the table currently on the device. A device
// without an uploaded table returns an empty one.
func (a *AWG) CommandTable(ctx context.Context) (*commandtable.CommandTable, error) {
	v, err := a.core.Child("commandtable/data").GetDeep(ctx)
	if err != nil {
		return nil, fmt.Errorf("read command table: %w", err)
	}
	raw, _ := v.Str()
	if raw == "" {
		return commandtable.New(), nil
	}
	return commandtable.Load([]byte(raw))
}

// EnableAndWait starts the sequencer and blocks until the device reports
// it ready. The deadline comes from ctx.
func (a *AWG) EnableAndWait(ctx context.Context) error {
	if err := a.core.Child("enable").SetInt(ctx, 1); err != nil {
		return fmt.Errorf("enable sequencer: %w", err)
	}
	if err := a.core.Child("ready").WaitForStateChange(ctx, 1); err != nil {
		return fmt.Errorf("sequencer of %s did not become ready: %w", a.Serial(), err)
	}
	return nil
}

// Disable stops the sequencer.
func (a *AWG) Disable(ctx context.Context) error {
	return a.core.Child("enable").SetInt(ctx, 0)
}

func (a *AWG) waveNode(slot int) nodetree.Node {
	return a.core.Child("waveform/waves/" + strconv.Itoa(slot))
}

func slotsOf(waves map[int][]int16) []int {
	slots := make([]int, 0, len(waves))
	for slot := range waves {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}
