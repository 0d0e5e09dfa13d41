package simulator

import (
	"labkit/internal/protocol"
)

func leaf(desc, typ string, props []string, data any, stream bool, options map[string]string) *node {
	readOnly := true
	for _, p := range props {
		if p == protocol.PropWrite {
			readOnly = false
		}
	}
	n := &node{
		info: protocol.NodeInfo{
			Description: desc,
			Properties:  props,
			Type:        typ,
			Options:     options,
		},
		readOnly: readOnly,
		stream:   stream,
	}
	if data != nil {
		n.value = protocol.Value{Type: n.info.ValueTypeOf(), Data: data}
	}
	return n
}

var (
	rw        = []string{protocol.PropRead, protocol.PropWrite, protocol.PropSetting}
	rwPlain   = []string{protocol.PropRead, protocol.PropWrite}
	ro        = []string{protocol.PropRead}
	roStream  = []string{protocol.PropRead, protocol.PropStream}
	onOffOpts = map[string]string{
		"0": "off: Disabled.",
		"1": "on: Enabled.",
	}
)

// presetNodes is the factory preset subtree every model carries.
func presetNodes() map[string]*node {
	return map[string]*node{
		"system/preset/load":  leaf("Load the factory default settings.", protocol.NodeTypeInteger, rwPlain, int64(0), false, nil),
		"system/preset/busy":  leaf("1 while a preset load is in progress.", protocol.NodeTypeInteger, ro, int64(0), false, nil),
		"system/preset/error": leaf("1 if the last preset load failed.", protocol.NodeTypeInteger, ro, int64(0), false, nil),
	}
}

func merge(dst map[string]*node, src map[string]*node) map[string]*node {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// NewLIA builds a lock-in amplifier model: oscillator, one demodulator with
// a streaming sample node, options and preset nodes.
func NewLIA(serial string) Model {
	nodes := map[string]*node{
		"oscs/0/freq":      leaf("Oscillator frequency.", protocol.NodeTypeDouble, rw, 10e3, false, nil),
		"demods/0/enable":  leaf("Enable the demodulator data stream.", protocol.NodeTypeInteger, rw, int64(0), false, onOffOpts),
		"demods/0/rate":    leaf("Demodulator streaming rate.", protocol.NodeTypeDouble, rw, 1.717e3, false, nil),
		"demods/0/freq":    leaf("Demodulation frequency.", protocol.NodeTypeDouble, ro, 10e3, false, nil),
		"demods/0/order":   leaf("Filter order.", protocol.NodeTypeInteger, rw, int64(3), false, nil),
		"demods/0/sample":  leaf("Demodulator sample stream.", protocol.NodeTypeSample, roStream, nil, true, nil),
		"sigouts/0/on":     leaf("Signal output state.", protocol.NodeTypeInteger, rw, int64(0), false, onOffOpts),
		"features/options": leaf("Installed device options.", protocol.NodeTypeString, ro, "MF|MOD", false, nil),
	}
	merge(nodes, presetNodes())
	return Model{
		Device: Device{
			Serial:     serial,
			DeviceType: "LIA100",
			Interface:  "1GbE",
			FWRevision: 68901,
		},
		Nodes: nodes,
	}
}

// NewAWG builds an arbitrary waveform generator model: sequencer control,
// command table and waveform slots, plus preset nodes.
func NewAWG(serial string) Model {
	nodes := map[string]*node{
		"awgs/0/enable":            leaf("Run the sequencer.", protocol.NodeTypeInteger, rw, int64(0), false, onOffOpts),
		"awgs/0/ready":             leaf("1 when the sequencer is ready.", protocol.NodeTypeInteger, ro, int64(0), false, nil),
		"awgs/0/elf/data":          leaf("Compiled sequencer program.", protocol.NodeTypeVectorBytes, rwPlain, []byte{}, false, nil),
		"awgs/0/commandtable/data": leaf("Command table JSON.", protocol.NodeTypeString, rwPlain, "", false, nil),
		"awgs/0/waveform/waves/0":  leaf("Waveform memory slot 0.", protocol.NodeTypeVectorInt, rwPlain, []int64{}, false, nil),
		"awgs/0/waveform/waves/1":  leaf("Waveform memory slot 1.", protocol.NodeTypeVectorInt, rwPlain, []int64{}, false, nil),
		"awgs/0/waveform/waves/2":  leaf("Waveform memory slot 2.", protocol.NodeTypeVectorInt, rwPlain, []int64{}, false, nil),
		"awgs/0/waveform/waves/3":  leaf("Waveform memory slot 3.", protocol.NodeTypeVectorInt, rwPlain, []int64{}, false, nil),
		"oscs/0/freq":              leaf("Oscillator frequency.", protocol.NodeTypeDouble, rw, 100e6, false, nil),
		"features/options":         leaf("Installed device options.", protocol.NodeTypeString, ro, "CNT", false, nil),
	}
	merge(nodes, presetNodes())
	return Model{
		Device: Device{
			Serial:     serial,
			DeviceType: "AWG2000",
			Interface:  "1GbE",
			FWRevision: 68901,
		},
		Nodes: nodes,
	}
}

// NewMK1 builds a legacy first-generation lock-in. It serves the same node
// subset as the LIA but rejects listNodesInfo; clients use preloaded node
// docs instead.
func NewMK1(serial string) Model {
	m := NewLIA(serial)
	m.Device.DeviceType = "MK1LI"
	m.Device.Interface = "USB"
	m.Device.MK1 = true
	return m
}
