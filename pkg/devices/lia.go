package devices

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"labkit/pkg/nodetree"
)

func init() {
	Register("LIA", func(d *Device) any { return &LIA{Device: d} })
	// The MK1 generation are lock-in amplifiers as well.
	Register("MK1LI", func(d *Device) any { return &LIA{Device: d} })
}

// LIA drives lock-in amplifiers.
type LIA struct {
	*Device
}

// AsLIA returns the LIA family driver of a device, if it has one.
func AsLIA(d *Device) (*LIA, bool) {
	l, ok := d.Family().(*LIA)
	return l, ok
}

// DemodSample is one decoded demodulator sample.
type DemodSample struct {
	X         float64
	Y         float64
	Frequency float64
	Phase     float64
	AuxIn0    float64
	Timestamp int64
}

// R returns the demodulated amplitude.
func (s DemodSample) R() float64 { return math.Hypot(s.X, s.Y) }

// Theta returns the demodulated phase in radians.
func (s DemodSample) Theta() float64 { return math.Atan2(s.Y, s.X) }

func (l *LIA) demod(i int) nodetree.Node {
	return l.Node("demods/" + strconv.Itoa(i))
}

// DemodSample reads one sample from a demodulator's stream node.
func (l *LIA) DemodSample(ctx context.Context, demod int) (DemodSample, error) {
	v, err := l.demod(demod).Child("sample").GetDeep(ctx)
	if err != nil {
		return DemodSample{}, fmt.Errorf("demod %d sample: %w", demod, err)
	}
	fields, ok := v.Data.(nodetree.Sample)
	if !ok {
		return DemodSample{}, fmt.Errorf("demod %d sample: unexpected payload %T", demod, v.Data)
	}
	return DemodSample{
		X:         fields["x"],
		Y:         fields["y"],
		Frequency: fields["frequency"],
		Phase:     fields["phase"],
		AuxIn0:    fields["auxin0"],
		Timestamp: v.Timestamp,
	}, nil
}

// EnableDemod switches a demodulator on with the given streaming rate and
// transfers both settings in one transaction.
func (l *LIA) EnableDemod(ctx context.Context, demod int, rate float64) error {
	err := l.WithTransaction(ctx, func(tx *nodetree.Transaction) error {
		if err := tx.SetInt(l.demod(demod).Child("enable"), 1); err != nil {
			return err
		}
		return tx.SetDouble(l.demod(demod).Child("rate"), rate)
	})
	if err != nil {
		return fmt.Errorf("enable demod %d: %w", demod, err)
	}
	return nil
}

// DisableDemod switches a demodulator off.
func (l *LIA) DisableDemod(ctx context.Context, demod int) error {
	return l.demod(demod).Child("enable").SetInt(ctx, 0)
}

// OscillatorFreq reads the frequency of an oscillator.
func (l *LIA) OscillatorFreq(ctx context.Context, osc int) (float64, error) {
	v, err := l.Node("oscs/" + strconv.Itoa(osc) + "/freq").Get(ctx)
	if err != nil {
		return 0, err
	}
	f, _ := v.Float()
	return f, nil
}

// SetOscillatorFreq sets the frequency of an oscillator.
func (l *LIA) SetOscillatorFreq(ctx context.Context, osc int, hz float64) error {
	return l.Node("oscs/"+strconv.Itoa(osc)+"/freq").SetDouble(ctx, hz)
}
