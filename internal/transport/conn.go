// Package transport implements the websocket hub client. It satisfies
// nodetree.Connection: one read loop dispatches correlated replies and push
// updates, a write mutex serializes outgoing frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"labkit/internal/protocol"
)

// ErrConnClosed is returned for requests on a closed connection; pending
// requests fail with it when the hub goes away.
var ErrConnClosed = errors.New("connection closed")

// Per-path capacity of the poll buffers. The oldest updates are dropped
// when a subscriber is not drained in time.
const updateBufferCap = 4096

// Capacity of watcher fan-out channels. Sends never block the read loop;
// a slow watcher loses updates.
const watchChanCap = 64

// Version reported to the hub in the hello handshake.
const Version = "1.2.0"

// Options configures Dial.
type Options struct {
	// URL of the hub RPC endpoint, e.g. ws://localhost:8004/rpc.
	URL string
	// APILevel to negotiate; defaults to protocol.APILevel.
	APILevel int
	// ClientName identifies this client to the hub.
	ClientName string

	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// ServerInfo is the hub's hello response.
type ServerInfo struct {
	Name     string
	Version  string
	Revision int64
	APILevel int
}

// Conn is a live hub connection.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger
	id     string

	server ServerInfo

	nextID  atomic.Uint64
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan *protocol.Response

	subMu      sync.Mutex
	subscribed mapset.Set
	buffers    map[string][]protocol.Value
	watchers   map[string]map[uint64]chan protocol.Value
	watcherSeq uint64

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
}

// Dial connects to a hub, performs the hello handshake and starts the read
// loop.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.APILevel == 0 {
		opts.APILevel = protocol.APILevel
	}
	if opts.ClientName == "" {
		opts.ClientName = "labkit"
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", opts.URL, err)
	}

	c := &Conn{
		ws:         ws,
		logger:     opts.Logger,
		id:         uuid.NewString(),
		pending:    make(map[uint64]chan *protocol.Response),
		subscribed: mapset.NewSet(),
		buffers:    make(map[string][]protocol.Value),
		watchers:   make(map[string]map[uint64]chan protocol.Value),
		closed:     make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	go c.readLoop()

	var hello protocol.HelloResult
	params := protocol.HelloParams{
		Client:   fmt.Sprintf("%s/%s", opts.ClientName, c.id),
		Version:  Version,
		APILevel: opts.APILevel,
	}
	if err := c.call(ctx, protocol.MethodHello, params, &hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello handshake: %w", err)
	}
	c.server = ServerInfo{
		Name:     hello.Server,
		Version:  hello.Version,
		Revision: hello.Revision,
		APILevel: hello.APILevel,
	}
	c.logger.Debug("connected to hub",
		zap.String("server", hello.Server),
		zap.String("version", hello.Version),
		zap.Int("apiLevel", hello.APILevel))
	return c, nil
}

// Server returns the hub's hello response.
func (c *Conn) Server() ServerInfo { return c.server }

// ID returns the client instance id used in the hello handshake.
func (c *Conn) ID() string { return c.id }

// Close shuts the connection down. It is idempotent; all pending requests
// fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	<-c.readDone
	return nil
}

func (c *Conn) call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	id := c.nextID.Add(1)
	ch := make(chan *protocol.Response, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := protocol.Request{ID: id, Method: method, Params: raw}
	c.writeMu.Lock()
	err = c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.closed:
		return ErrConnClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		var resp protocol.Response
		if err := c.ws.ReadJSON(&resp); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("read loop terminated", zap.Error(err))
				c.closeOnce.Do(func() {
					close(c.closed)
					_ = c.ws.Close()
				})
			}
			c.dropWatchers()
			return
		}

		if resp.ID == 0 && resp.Method == protocol.MethodUpdate {
			var update protocol.Update
			if err := json.Unmarshal(resp.Result, &update); err != nil {
				c.logger.Warn("malformed push update", zap.Error(err))
				continue
			}
			c.dispatchUpdates(update.Updates)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("response without pending request", zap.Uint64("id", resp.ID))
			continue
		}
		ch <- &resp
	}
}

func (c *Conn) dispatchUpdates(updates []protocol.Value) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, v := range updates {
		// A push for a path without a buffer races an unsubscribe; drop it.
		buf, ok := c.buffers[v.Path]
		if !ok {
			continue
		}
		if len(buf) >= updateBufferCap {
			buf = buf[1:]
		}
		c.buffers[v.Path] = append(buf, v)

		for _, ch := range c.watchers[v.Path] {
			select {
			case ch <- v:
			default:
				// Slow watcher; never block the read loop.
			}
		}
	}
}

// dropWatchers closes all watcher channels after the read loop exits.
func (c *Conn) dropWatchers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for path, m := range c.watchers {
		for _, ch := range m {
			close(ch)
		}
		delete(c.watchers, path)
	}
}
