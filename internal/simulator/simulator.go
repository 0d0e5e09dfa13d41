// Package simulator implements an in-process hub data server. It serves
// the full wire protocol over a websocket handler, keeps a node registry
// per simulated device and pushes streaming updates to subscribers. Tests
// mount it under httptest; `labkit serve` runs it standalone.
package simulator

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"labkit/internal/protocol"
)

// Options configures a simulated hub.
type Options struct {
	Version  string // hub version, e.g. "25.4.0"
	Revision int64
	APILevel int

	// TickInterval paces streaming updates.
	TickInterval time.Duration
	// PresetDelay is how long system/preset/busy stays high after a
	// preset load.
	PresetDelay time.Duration

	// Clock returns hub time in nanoseconds. Defaults to the wall clock;
	// tests inject a deterministic one.
	Clock func() int64
	// Generator overrides the built-in stream value generator. Returning
	// false falls back to the default sine/noise source.
	Generator func(path string, tick int64) (protocol.Value, bool)

	Logger *zap.Logger
}

func (o *Options) withDefaults() {
	if o.Version == "" {
		o.Version = "25.4.0"
	}
	if o.Revision == 0 {
		o.Revision = 68901
	}
	if o.APILevel == 0 {
		o.APILevel = protocol.APILevel
	}
	if o.TickInterval == 0 {
		o.TickInterval = 50 * time.Millisecond
	}
	if o.PresetDelay == 0 {
		o.PresetDelay = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = func() int64 { return time.Now().UnixNano() }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// node is one simulated leaf.
type node struct {
	info     protocol.NodeInfo
	value    protocol.Value
	readOnly bool
	stream   bool
}

// Hub is the simulated data server.
type Hub struct {
	opts Options

	mu      sync.RWMutex
	nodes   map[string]*node
	devices map[string]*Device // keyed by upper-case serial
	clients map[*client]struct{}

	presetFail map[string]bool // serials whose next preset load fails

	done     chan struct{}
	stopOnce sync.Once
	upgrader websocket.Upgrader
}

// Device describes one simulated instrument.
type Device struct {
	Serial      string // lower-case, e.g. dev1000
	DeviceType  string
	Interface   string
	StatusFlags int64
	FWRevision  int64
	Connected   bool
	MK1         bool
}

// Model is a device plus its node subtree, as produced by NewLIA/NewAWG/
// NewMK1.
type Model struct {
	Device Device
	Nodes  map[string]*node // relative paths
}

// New creates a hub and starts its streaming ticker.
func New(opts Options) *Hub {
	opts.withDefaults()
	h := &Hub{
		opts:       opts,
		nodes:      make(map[string]*node),
		devices:    make(map[string]*Device),
		clients:    make(map[*client]struct{}),
		presetFail: make(map[string]bool),
		done:       make(chan struct{}),
	}
	h.addHubNodes()
	go h.streamLoop()
	return h
}

// Close stops the streaming ticker and drops all clients.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	for c := range h.clients {
		_ = c.ws.Close()
	}
	h.mu.Unlock()
}

// Add registers a device model with the hub.
func (h *Hub) Add(m Model) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev := m.Device
	dev.Serial = strings.ToLower(dev.Serial)
	h.devices[strings.ToUpper(dev.Serial)] = &dev
	prefix := "/" + dev.Serial
	for rel, n := range m.Nodes {
		abs := protocol.CanonicalPath(prefix + protocol.CanonicalPath(rel))
		clone := *n
		clone.info.Node = strings.ToUpper(abs)
		clone.value.Path = abs
		h.nodes[abs] = &clone
	}
}

// FailNextPreset makes the next factory preset of a serial report an error.
func (h *Hub) FailNextPreset(serial string) {
	h.mu.Lock()
	h.presetFail[strings.ToUpper(serial)] = true
	h.mu.Unlock()
}

// SetStatusFlags adjusts the registry status flags of a device.
func (h *Hub) SetStatusFlags(serial string, flags int64) {
	h.mu.Lock()
	if d, ok := h.devices[strings.ToUpper(serial)]; ok {
		d.StatusFlags = flags
	}
	h.mu.Unlock()
}

func (h *Hub) addHubNodes() {
	h.nodes["/hub/about/version"] = &node{
		info: protocol.NodeInfo{
			Node:        "/HUB/ABOUT/VERSION",
			Description: "Hub software version.",
			Properties:  []string{protocol.PropRead},
			Type:        protocol.NodeTypeString,
		},
		value:    protocol.Value{Path: "/hub/about/version", Type: protocol.TypeString, Data: h.opts.Version},
		readOnly: true,
	}
	h.nodes["/hub/about/revision"] = &node{
		info: protocol.NodeInfo{
			Node:        "/HUB/ABOUT/REVISION",
			Description: "Hub build revision.",
			Properties:  []string{protocol.PropRead},
			Type:        protocol.NodeTypeInteger,
		},
		value:    protocol.Value{Path: "/hub/about/revision", Type: protocol.TypeInt, Data: h.opts.Revision},
		readOnly: true,
	}
	h.nodes[protocol.DevicesNodePath] = &node{
		info: protocol.NodeInfo{
			Node:        strings.ToUpper(protocol.DevicesNodePath),
			Description: "JSON registry of visible devices.",
			Properties:  []string{protocol.PropRead},
			Type:        protocol.NodeTypeString,
		},
		readOnly: true,
	}
}

// registryJSON builds the /hub/devices payload. Callers hold h.mu.
func (h *Hub) registryJSON() string {
	reg := make(map[string]map[string]any, len(h.devices))
	for serial, d := range h.devices {
		reg[serial] = map[string]any{
			"DEVICETYPE":  d.DeviceType,
			"INTERFACE":   d.Interface,
			"STATUSFLAGS": d.StatusFlags,
			"FWREVISION":  d.FWRevision,
			"CONNECTED":   d.Connected,
		}
	}
	raw, err := json.Marshal(reg)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.EndpointPath, h.serveRPC)
	return mux
}

func (h *Hub) serveRPC(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{hub: h, ws: ws, subs: make(map[string]bool)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		_ = ws.Close()
	}()
	c.readLoop()
}

// streamLoop pushes generated values for subscribed streaming nodes.
func (h *Hub) streamLoop() {
	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()
	var tick int64
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			tick++
			h.emitStreamTick(tick)
		}
	}
}

func (h *Hub) emitStreamTick(tick int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for path, n := range h.nodes {
		if !n.stream {
			continue
		}
		v, ok := protocol.Value{}, false
		if h.opts.Generator != nil {
			v, ok = h.opts.Generator(path, tick)
		}
		if !ok {
			v = defaultStreamValue(path, tick)
		}
		v.Path = path
		v.Type = n.info.ValueTypeOf()
		v.Timestamp = h.opts.Clock()
		n.value = v
		h.pushLocked(v)
	}
}

// defaultStreamValue synthesizes a demod-style sample from the tick count.
func defaultStreamValue(path string, tick int64) protocol.Value {
	phase := float64(tick) / 10
	return protocol.Value{
		Type: protocol.TypeSample,
		Data: protocol.Sample{
			"x":         math.Sin(phase),
			"y":         math.Cos(phase),
			"frequency": 10e3,
			"phase":     math.Mod(phase, 2*math.Pi),
			"auxin0":    0,
		},
	}
}

// pushLocked delivers an update to every client subscribed to its path.
// Callers hold h.mu.
func (h *Hub) pushLocked(v protocol.Value) {
	for c := range h.clients {
		c.mu.Lock()
		subscribed := c.subs[v.Path]
		c.mu.Unlock()
		if subscribed {
			c.sendPush(v)
		}
	}
}

// push is pushLocked for callers not holding h.mu.
func (h *Hub) push(v protocol.Value) {
	h.mu.Lock()
	h.pushLocked(v)
	h.mu.Unlock()
}

// matchPaths resolves a possibly wildcarded request path against the node
// registry. Callers hold h.mu (read).
func (h *Hub) matchPaths(pattern string) []string {
	pattern = protocol.CanonicalPath(pattern)
	if !strings.Contains(pattern, "*") {
		if _, ok := h.nodes[pattern]; ok {
			return []string{pattern}
		}
		// A bare subtree path addresses everything below it.
		var out []string
		for p := range h.nodes {
			if strings.HasPrefix(p, pattern+"/") {
				out = append(out, p)
			}
		}
		sort.Strings(out)
		return out
	}
	pseg := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	var out []string
	for p := range h.nodes {
		if matchSegments(pseg, strings.Split(strings.TrimPrefix(p, "/"), "/")) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func matchSegments(pseg, seg []string) bool {
	for i, p := range pseg {
		if p == "*" && i == len(pseg)-1 {
			return len(seg) >= len(pseg)
		}
		if i >= len(seg) {
			return false
		}
		if p != "*" && p != seg[i] {
			return false
		}
	}
	return len(seg) == len(pseg)
}

// deviceForPath returns the device a node path belongs to, if any. Callers
// hold h.mu (read).
func (h *Hub) deviceForPath(path string) *Device {
	path = protocol.CanonicalPath(path)
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) == 0 {
		return nil
	}
	return h.devices[strings.ToUpper(parts[0])]
}

// handlePresetLoad flips system/preset/busy for the duration of a preset
// load and reports the outcome on system/preset/error.
func (h *Hub) handlePresetLoad(path string) {
	serialPart := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
	prefix := "/" + serialPart
	busyPath := prefix + "/system/preset/busy"
	errPath := prefix + "/system/preset/error"

	h.mu.Lock()
	busy, ok := h.nodes[busyPath]
	if !ok {
		h.mu.Unlock()
		return
	}
	busy.value = protocol.Value{Path: busyPath, Type: protocol.TypeInt, Timestamp: h.opts.Clock(), Data: int64(1)}
	busyVal := busy.value
	h.pushLocked(busyVal)
	h.mu.Unlock()

	time.AfterFunc(h.opts.PresetDelay, func() {
		h.mu.Lock()
		var presetErr int64
		if h.presetFail[strings.ToUpper(serialPart)] {
			presetErr = 1
			delete(h.presetFail, strings.ToUpper(serialPart))
		}
		if errNode, ok := h.nodes[errPath]; ok {
			errNode.value = protocol.Value{Path: errPath, Type: protocol.TypeInt, Timestamp: h.opts.Clock(), Data: presetErr}
			h.pushLocked(errNode.value)
		}
		if busy, ok := h.nodes[busyPath]; ok {
			busy.value = protocol.Value{Path: busyPath, Type: protocol.TypeInt, Timestamp: h.opts.Clock(), Data: int64(0)}
			h.pushLocked(busy.value)
		}
		h.mu.Unlock()
	})
}

// handleAWGEnable mirrors enable onto the ready node.
func (h *Hub) handleAWGEnable(path string, enabled int64) {
	readyPath := strings.TrimSuffix(path, "/enable") + "/ready"
	h.mu.Lock()
	if ready, ok := h.nodes[readyPath]; ok {
		ready.value = protocol.Value{Path: readyPath, Type: protocol.TypeInt, Timestamp: h.opts.Clock(), Data: enabled}
		h.pushLocked(ready.value)
	}
	h.mu.Unlock()
}
