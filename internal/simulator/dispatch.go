package simulator

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"labkit/internal/protocol"
)

// client is one websocket connection to the hub.
type client struct {
	hub *Hub
	ws  *websocket.Conn

	mu      sync.Mutex
	subs    map[string]bool
	greeted bool
}

func (c *client) readLoop() {
	for {
		var req protocol.Request
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}
		resp := c.dispatch(req)
		resp.ID = req.ID
		c.write(resp)
	}
}

func (c *client) write(resp protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(resp); err != nil {
		c.hub.opts.Logger.Debug("write to client failed", zap.Error(err))
	}
}

// sendPush delivers an update message outside the request/response flow.
func (c *client) sendPush(v protocol.Value) {
	raw, err := json.Marshal(protocol.Update{Updates: []protocol.Value{v}})
	if err != nil {
		return
	}
	c.write(protocol.Response{ID: 0, Method: protocol.MethodUpdate, Result: raw})
}

func okResult(v any) protocol.Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return errResponse(protocol.CodeInternal, "encode result: %v", err)
	}
	return protocol.Response{Result: raw}
}

func errResponse(code int, format string, args ...any) protocol.Response {
	return protocol.Response{Error: protocol.Errorf(code, format, args...)}
}

func (c *client) dispatch(req protocol.Request) protocol.Response {
	if req.Method != protocol.MethodHello {
		c.mu.Lock()
		greeted := c.greeted
		c.mu.Unlock()
		if !greeted {
			return errResponse(protocol.CodeBadRequest, "hello handshake required before %q", req.Method)
		}
	}
	switch req.Method {
	case protocol.MethodHello:
		return c.hello(req.Params)
	case protocol.MethodListNodes:
		return c.listNodes(req.Params)
	case protocol.MethodListNodesInfo:
		return c.listNodesInfo(req.Params)
	case protocol.MethodGet:
		return c.get(req.Params)
	case protocol.MethodSet:
		return c.set(req.Params)
	case protocol.MethodSubscribe:
		return c.subscribe(req.Params, true)
	case protocol.MethodUnsubscribe:
		return c.subscribe(req.Params, false)
	case protocol.MethodSync:
		return okResult(struct{}{})
	case protocol.MethodConnectDevice:
		return c.connectDevice(req.Params, true)
	case protocol.MethodDisconnectDevice:
		return c.connectDevice(req.Params, false)
	}
	return errResponse(protocol.CodeUnknownMethod, "unknown method %q", req.Method)
}

func (c *client) hello(params json.RawMessage) protocol.Response {
	var p protocol.HelloParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(protocol.CodeBadRequest, "bad hello params: %v", err)
	}
	if p.APILevel != c.hub.opts.APILevel {
		return errResponse(protocol.CodeBadRequest,
			"api level %d not served (hub speaks %d)", p.APILevel, c.hub.opts.APILevel)
	}
	c.mu.Lock()
	c.greeted = true
	c.mu.Unlock()
	return okResult(protocol.HelloResult{
		Server:   "labkit-simulator",
		Version:  c.hub.opts.Version,
		Revision: c.hub.opts.Revision,
		APILevel: c.hub.opts.APILevel,
	})
}

func (c *client) listNodes(params json.RawMessage) protocol.Response {
	var p protocol.ListNodesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(protocol.CodeBadRequest, "bad listNodes params: %v", err)
	}
	h := c.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for _, path := range h.matchPaths(p.Path) {
		n := h.nodes[path]
		if p.SettingsOnly && !n.info.HasProperty(protocol.PropSetting) {
			continue
		}
		if p.StreamingOnly && !n.stream {
			continue
		}
		out = append(out, path)
	}
	return okResult(out)
}

func (c *client) listNodesInfo(params json.RawMessage) protocol.Response {
	var p protocol.ListNodesInfoParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(protocol.CodeBadRequest, "bad listNodesInfo params: %v", err)
	}
	h := c.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	if dev := h.deviceForPath(p.Path); dev != nil && dev.MK1 {
		return errResponse(protocol.CodeUnsupported, "device %s does not serve node docs", strings.ToUpper(dev.Serial))
	}
	out := make(map[string]protocol.NodeInfo)
	for _, path := range h.matchPaths(p.Path) {
		out[path] = h.nodes[path].info
	}
	return okResult(out)
}

func (c *client) get(params json.RawMessage) protocol.Response {
	var p protocol.GetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(protocol.CodeBadRequest, "bad get params: %v", err)
	}
	h := c.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []protocol.Value
	for _, pattern := range p.Paths {
		matches := h.matchPaths(pattern)
		if len(matches) == 0 {
			return errResponse(protocol.CodeNodeNotFound, "no node %s", protocol.CanonicalPath(pattern))
		}
		for _, path := range matches {
			n := h.nodes[path]
			v := n.value
			if path == protocol.DevicesNodePath {
				// Registry is computed per read.
				v = protocol.Value{Type: protocol.TypeString, Data: h.registryJSON()}
			}
			v.Path = path
			if v.Type == "" {
				v.Type = n.info.ValueTypeOf()
				v.Data = zeroFor(v.Type)
			}
			v.Timestamp = h.opts.Clock()
			out = append(out, v)
		}
	}
	return okResult(out)
}

func zeroFor(t protocol.ValueType) any {
	switch t {
	case protocol.TypeInt:
		return int64(0)
	case protocol.TypeDouble:
		return float64(0)
	case protocol.TypeString:
		return ""
	case protocol.TypeComplex:
		return protocol.Complex{}
	case protocol.TypeVectorDouble:
		return []float64{}
	case protocol.TypeVectorInt:
		return []int64{}
	case protocol.TypeBytes:
		return []byte{}
	case protocol.TypeSample:
		return protocol.Sample{}
	}
	return nil
}

func (c *client) set(params json.RawMessage) protocol.Response {
	var p protocol.SetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(protocol.CodeBadRequest, "bad set params: %v", err)
	}
	h := c.hub

	// All-or-nothing: validate the whole batch before applying anything.
	h.mu.Lock()
	for _, item := range p.Items {
		n, ok := h.nodes[item.Path]
		if !ok {
			h.mu.Unlock()
			return errResponse(protocol.CodeNodeNotFound, "no node %s", item.Path)
		}
		if n.readOnly {
			h.mu.Unlock()
			return errResponse(protocol.CodeReadOnly, "node %s is read-only", item.Path)
		}
		if want := n.info.ValueTypeOf(); item.Type != want {
			h.mu.Unlock()
			return errResponse(protocol.CodeTypeMismatch, "node %s wants %s, got %s", item.Path, want, item.Type)
		}
	}

	var acks []protocol.Value
	var presets []string
	type enableSet struct {
		path  string
		value int64
	}
	var enables []enableSet
	for _, item := range p.Items {
		n := h.nodes[item.Path]
		v := protocol.Value{Path: item.Path, Type: item.Type, Timestamp: h.opts.Clock(), Data: item.Data}
		n.value = v
		acks = append(acks, v)
		h.pushLocked(v)

		if strings.HasSuffix(item.Path, "/system/preset/load") {
			presets = append(presets, item.Path)
		}
		if strings.HasSuffix(item.Path, "/enable") && strings.Contains(item.Path, "/awgs/") {
			if enabled, ok := v.Int(); ok {
				enables = append(enables, enableSet{path: item.Path, value: enabled})
			}
		}
	}
	h.mu.Unlock()

	for _, path := range presets {
		h.handlePresetLoad(path)
	}
	for _, e := range enables {
		h.handleAWGEnable(e.path, e.value)
	}
	return okResult(acks)
}

func (c *client) subscribe(params json.RawMessage, add bool) protocol.Response {
	var p protocol.SubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(protocol.CodeBadRequest, "bad subscribe params: %v", err)
	}
	h := c.hub
	h.mu.RLock()
	resolved := make([]string, 0, len(p.Paths))
	for _, pattern := range p.Paths {
		matches := h.matchPaths(pattern)
		if len(matches) == 0 {
			h.mu.RUnlock()
			return errResponse(protocol.CodeNodeNotFound, "no node %s", protocol.CanonicalPath(pattern))
		}
		resolved = append(resolved, matches...)
	}
	h.mu.RUnlock()

	c.mu.Lock()
	for _, path := range resolved {
		if add {
			c.subs[path] = true
		} else {
			delete(c.subs, path)
		}
	}
	count := len(c.subs)
	c.mu.Unlock()
	return okResult(protocol.SubscribeResult{Count: count})
}

func (c *client) connectDevice(params json.RawMessage, connect bool) protocol.Response {
	var p protocol.ConnectDeviceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(protocol.CodeBadRequest, "bad connectDevice params: %v", err)
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[strings.ToUpper(p.Serial)]
	if !ok {
		return errResponse(protocol.CodeDeviceNotFound, "device %s not visible on this hub", strings.ToUpper(p.Serial))
	}
	dev.Connected = connect
	if connect && p.Interface != "" {
		dev.Interface = p.Interface
	}
	return okResult(struct{}{})
}
