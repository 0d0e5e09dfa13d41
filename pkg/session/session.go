// Package session is the entry point of the toolkit: it connects to a hub,
// discovers devices, hands out device drivers over the shared connection
// and multiplexes polling and transactions across them.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"labkit/internal/protocol"
	"labkit/internal/transport"
	"labkit/pkg/devices"
	"labkit/pkg/nodetree"
)

// ErrDeviceNotFound is returned when a serial is not visible on the hub.
var ErrDeviceNotFound = errors.New("device not found")

// Options configures Connect.
type Options struct {
	Host string
	Port int
	// APILevel defaults to the toolkit's protocol level.
	APILevel   int
	ClientName string

	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// DeviceEntry is one row of the hub's device registry.
type DeviceEntry struct {
	Serial           string
	DeviceType       string
	Interface        string
	FirmwareRevision int64
	StatusFlags      int64
	Connected        bool
}

// Session is a live hub connection plus the device drivers created
// through it.
type Session struct {
	conn   *transport.Conn
	hub    *nodetree.Tree
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*devices.Device // keyed by upper-case serial
}

// Connect dials the hub, performs the handshake and builds the hub tree.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 8004
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s:%d%s", opts.Host, opts.Port, protocol.EndpointPath)
	conn, err := transport.Dial(dialCtx, transport.Options{
		URL:              url,
		APILevel:         opts.APILevel,
		ClientName:       opts.ClientName,
		HandshakeTimeout: opts.ConnectTimeout,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	hubTree, err := nodetree.New(ctx, conn, "hub", nodetree.WithLogger(opts.Logger))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("build hub tree: %w", err)
	}

	s := &Session{
		conn:    conn,
		hub:     hubTree,
		logger:  opts.Logger,
		devices: make(map[string]*devices.Device),
	}
	s.logger.Info("connected to hub",
		zap.String("url", url),
		zap.String("serverVersion", conn.Server().Version))
	return s, nil
}

// ServerVersion returns the hub version from the hello handshake.
func (s *Session) ServerVersion() string { return s.conn.Server().Version }

// ServerRevision returns the hub build revision.
func (s *Session) ServerRevision() int64 { return s.conn.Server().Revision }

// Conn exposes the underlying connection.
func (s *Session) Conn() *transport.Conn { return s.conn }

// Hub returns the tree of the hub's own nodes.
func (s *Session) Hub() *nodetree.Tree { return s.hub }

// registry reads and parses the /hub/devices JSON.
func (s *Session) registry(ctx context.Context) ([]DeviceEntry, error) {
	v, err := s.hub.Node("devices").Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read device registry: %w", err)
	}
	raw, ok := v.Str()
	if !ok {
		return nil, fmt.Errorf("device registry is not a string node")
	}

	var entries []DeviceEntry
	gjson.Parse(raw).ForEach(func(serial, info gjson.Result) bool {
		entries = append(entries, DeviceEntry{
			Serial:           strings.ToUpper(serial.String()),
			DeviceType:       info.Get("DEVICETYPE").String(),
			Interface:        info.Get("INTERFACE").String(),
			FirmwareRevision: info.Get("FWREVISION").Int(),
			StatusFlags:      info.Get("STATUSFLAGS").Int(),
			Connected:        info.Get("CONNECTED").Bool(),
		})
		return true
	})
	return entries, nil
}

// VisibleDevices lists every device the hub can see.
func (s *Session) VisibleDevices(ctx context.Context) ([]DeviceEntry, error) {
	return s.registry(ctx)
}

// ConnectedDevices lists the devices currently connected through the hub.
func (s *Session) ConnectedDevices(ctx context.Context) ([]DeviceEntry, error) {
	all, err := s.registry(ctx)
	if err != nil {
		return nil, err
	}
	var out []DeviceEntry
	for _, e := range all {
		if e.Connected {
			out = append(out, e)
		}
	}
	return out, nil
}

// ConnectDevice connects a device through the hub and returns its driver.
// Connecting an already-connected device is idempotent; repeated calls
// return the cached driver.
func (s *Session) ConnectDevice(ctx context.Context, serial, iface string) (*devices.Device, error) {
	key := strings.ToUpper(serial)

	s.mu.Lock()
	if dev, ok := s.devices[key]; ok {
		s.mu.Unlock()
		return dev, nil
	}
	s.mu.Unlock()

	entry, err := s.lookup(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := s.conn.ConnectDevice(ctx, serial, iface); err != nil {
		var he *protocol.Error
		if errors.As(err, &he) && he.Code == protocol.CodeDeviceNotFound {
			return nil, fmt.Errorf("%w: %s: %s", ErrDeviceNotFound, key, he.Message)
		}
		return nil, fmt.Errorf("connect device %s: %w", key, err)
	}

	dev, err := devices.New(ctx, s.conn, entry.Serial, entry.DeviceType, devices.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("build driver for %s: %w", key, err)
	}

	s.mu.Lock()
	s.devices[key] = dev
	s.mu.Unlock()
	s.logger.Info("device connected", zap.String("serial", key), zap.String("type", entry.DeviceType))
	return dev, nil
}

// DisconnectDevice drops the hub connection and evicts the cached driver.
func (s *Session) DisconnectDevice(ctx context.Context, serial string) error {
	key := strings.ToUpper(serial)
	if err := s.conn.DisconnectDevice(ctx, serial); err != nil {
		var he *protocol.Error
		if errors.As(err, &he) && he.Code == protocol.CodeDeviceNotFound {
			return fmt.Errorf("%w: %s: %s", ErrDeviceNotFound, key, he.Message)
		}
		return fmt.Errorf("disconnect device %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.devices, key)
	s.mu.Unlock()
	return nil
}

func (s *Session) lookup(ctx context.Context, serial string) (DeviceEntry, error) {
	entries, err := s.registry(ctx)
	if err != nil {
		return DeviceEntry{}, err
	}
	key := strings.ToUpper(serial)
	for _, e := range entries {
		if e.Serial == key {
			return e, nil
		}
	}
	return DeviceEntry{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, key)
}

// Device returns a previously connected driver.
func (s *Session) Device(serial string) (*devices.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[strings.ToUpper(serial)]
	return dev, ok
}

// Devices returns a snapshot of all connected drivers.
func (s *Session) Devices() []*devices.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*devices.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, dev)
	}
	return out
}

// Poll waits up to wait and drains buffered updates of every subscription
// on the connection. The result is keyed by absolute path and never nil.
func (s *Session) Poll(ctx context.Context, wait time.Duration) (map[string][]nodetree.Value, error) {
	polled, err := s.conn.PollUpdates(ctx, wait)
	if err != nil {
		return nil, err
	}
	if polled == nil {
		polled = make(map[string][]nodetree.Value)
	}
	return polled, nil
}

// Sync is a hub barrier: it returns once pending device I/O is flushed.
func (s *Session) Sync(ctx context.Context) error { return s.conn.Sync(ctx) }

// WithTransaction runs fn with a session-wide transaction. Nodes from
// several devices may be buffered; the batch commits as one set.
func (s *Session) WithTransaction(ctx context.Context, fn func(tx *nodetree.Transaction) error) error {
	tx := nodetree.BeginTransaction(s.conn)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close shuts the hub connection down.
func (s *Session) Close() error { return s.conn.Close() }
