// Package devices provides instrument drivers on top of the node tree:
// a generic base working with every device type, plus family drivers for
// AWG and LIA instruments and preloaded node docs for the legacy MK1
// generation.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"labkit/pkg/nodetree"
)

var (
	// ErrPresetFailed is returned when a factory reset reports an error.
	ErrPresetFailed = errors.New("factory preset failed")
	// ErrDeviceUpdating is returned while a firmware update is running.
	ErrDeviceUpdating = errors.New("device firmware update in progress")
	// ErrFirmwareMismatch is returned when device firmware and hub version
	// do not match.
	ErrFirmwareMismatch = errors.New("firmware does not match hub version")
	// ErrVersionMismatch is returned when toolkit and hub versions diverge.
	ErrVersionMismatch = errors.New("toolkit and hub versions do not match")
)

// Device is the generic driver. It embeds the device node tree, so node
// operations are called directly on the driver.
type Device struct {
	*nodetree.Tree

	serial     string
	deviceType string
	options    string

	conn   nodetree.Connection
	logger *zap.Logger
	family any

	streamOnce sync.Once
	streaming  []nodetree.Node
}

type ctor func(*Device) any

var (
	registryMu sync.Mutex
	registry   = map[string]ctor{}
)

// Register binds a device-type prefix to a family constructor. Called from
// family init functions.
func Register(prefix string, fn ctor) {
	registryMu.Lock()
	registry[strings.ToUpper(prefix)] = fn
	registryMu.Unlock()
}

func familyFor(deviceType string) (ctor, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	upper := strings.ToUpper(deviceType)
	for prefix, fn := range registry {
		if strings.HasPrefix(upper, prefix) {
			return fn, true
		}
	}
	return nil, false
}

type deviceOptions struct {
	logger *zap.Logger
}

// Option configures New.
type Option func(*deviceOptions)

// WithLogger attaches a logger to the driver.
func WithLogger(l *zap.Logger) Option {
	return func(o *deviceOptions) { o.logger = l }
}

// New builds a driver for a connected device. MK1 devices cannot serve
// node docs, so their tree is built from the embedded preloaded docs.
func New(ctx context.Context, conn nodetree.Connection, serial, deviceType string, opts ...Option) (*Device, error) {
	o := deviceOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	serial = strings.ToLower(serial)

	var treeOpts []nodetree.Option
	treeOpts = append(treeOpts, nodetree.WithLogger(o.logger))
	if IsMK1(deviceType) {
		preloaded, err := preloadedMK1Info(ctx, conn, serial, o.logger)
		if err != nil {
			return nil, fmt.Errorf("load preloaded node docs for %s: %w", strings.ToUpper(serial), err)
		}
		treeOpts = append(treeOpts, nodetree.WithPreloadedInfo(preloaded))
	}

	tree, err := nodetree.New(ctx, conn, serial, treeOpts...)
	if err != nil {
		return nil, err
	}

	d := &Device{
		Tree:       tree,
		serial:     serial,
		deviceType: deviceType,
		conn:       conn,
		logger:     o.logger,
	}

	// features/options is absent on some models; an empty string is fine.
	if v, err := d.Node("features/options").Get(ctx); err == nil {
		d.options, _ = v.Str()
	}

	if fn, ok := familyFor(deviceType); ok {
		d.family = fn(d)
	}
	return d, nil
}

// IsMK1 reports whether a device type belongs to the legacy MK1 family.
func IsMK1(deviceType string) bool {
	return strings.Contains(strings.ToUpper(deviceType), "MK1")
}

// Serial returns the lower-case device serial, e.g. "dev1000".
func (d *Device) Serial() string { return d.serial }

// DeviceType returns the device type string, e.g. "LIA100".
func (d *Device) DeviceType() string { return d.deviceType }

// Options returns the installed device options.
func (d *Device) Options() string { return d.options }

// Family returns the family driver (e.g. *AWG) or nil for base devices.
func (d *Device) Family() any { return d.family }

func (d *Device) String() string {
	options := strings.ReplaceAll(d.options, "\n", ",")
	if options != "" {
		options += ","
	}
	return fmt.Sprintf("%s(%s%s)", d.deviceType, options, strings.ToUpper(d.serial))
}

// FactoryReset loads the factory default settings and waits for the device
// to finish. The caller bounds the wait through ctx. With deep set, a hub
// sync barrier runs before the busy wait.
func (d *Device) FactoryReset(ctx context.Context, deep bool) error {
	if err := d.Node("system/preset/load").SetInt(ctx, 1); err != nil {
		return fmt.Errorf("load factory preset: %w", err)
	}
	if deep {
		if err := d.conn.Sync(ctx); err != nil {
			return fmt.Errorf("sync after preset load: %w", err)
		}
	}
	if err := d.Node("system/preset/busy").WaitForStateChange(ctx, 0); err != nil {
		return fmt.Errorf("factory preset of %s: %w", strings.ToUpper(d.serial), err)
	}
	v, err := d.Node("system/preset/error").GetDeep(ctx)
	if err != nil {
		return fmt.Errorf("read preset error state: %w", err)
	}
	if code, _ := v.Int(); code != 0 {
		return fmt.Errorf("%w: device %s reports error %d", ErrPresetFailed, strings.ToUpper(d.serial), code)
	}
	d.logger.Info("factory preset loaded", zap.String("serial", strings.ToUpper(d.serial)))
	return nil
}

// StreamingNodes returns all leaves carrying the Stream property. The list
// is computed once and cached.
func (d *Device) StreamingNodes() []nodetree.Node {
	d.streamOnce.Do(func() {
		d.WalkInfo(func(path string, info nodetree.Info) bool {
			if info.IsStream() {
				d.streaming = append(d.streaming, d.Node(path))
			}
			return true
		})
	})
	return d.streaming
}
