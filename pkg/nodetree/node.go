package nodetree

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"labkit/internal/protocol"
)

// Node is an immutable handle on one path of a tree. Handles never perform
// I/O until an operation is called.
type Node struct {
	tree *Tree
	path string // relative canonical path
}

// Child returns the handle of a sub-path.
func (n Node) Child(name string) Node {
	return Node{tree: n.tree, path: protocol.JoinPath(n.path, name)}
}

// Index returns the handle of a numeric sub-path, e.g. demods -> demods/2.
func (n Node) Index(i int) Node {
	return n.Child(strconv.Itoa(i))
}

// Path returns the absolute wire path including the tree's root prefix.
func (n Node) Path() string { return n.tree.abs(n.path) }

// String returns the short relative form without the leading slash.
func (n Node) String() string { return strings.TrimPrefix(n.path, "/") }

// Tree returns the tree this handle belongs to.
func (n Node) Tree() *Tree { return n.tree }

// Info returns the node metadata when the tree carries it.
func (n Node) Info() (Info, bool) { return n.tree.Info(n.path) }

// checkKnown verifies a non-wildcard path against the tree metadata before
// any wire call. Trees without metadata skip the check.
func (n Node) checkKnown() error {
	if !n.tree.HasInfo() || strings.Contains(n.path, "*") {
		return nil
	}
	if _, ok := n.tree.infos[n.path]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, n.Path())
	}
	return nil
}

// Get reads the current value of a single leaf from the hub cache.
func (n Node) Get(ctx context.Context) (Value, error) {
	return n.get(ctx, false)
}

// GetDeep reads the value with a forced device round trip.
func (n Node) GetDeep(ctx context.Context) (Value, error) {
	return n.get(ctx, true)
}

func (n Node) get(ctx context.Context, deep bool) (Value, error) {
	if err := n.checkKnown(); err != nil {
		return Value{}, err
	}
	values, err := n.tree.conn.Get(ctx, []string{n.Path()}, deep)
	if err != nil {
		return Value{}, fmt.Errorf("get %s: %w", n.Path(), wrapHubError(err))
	}
	if len(values) == 0 {
		return Value{}, fmt.Errorf("get %s: %w", n.Path(), ErrNodeNotFound)
	}
	v := values[0]
	v.Path = n.tree.stripPrefix(v.Path)
	n.tree.cachePut(v)
	return v, nil
}

// GetAll resolves wildcards in the path and reads every match.
func (n Node) GetAll(ctx context.Context) ([]Value, error) {
	nodes := n.tree.Match(n.path)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatches, n.Path())
	}
	paths := make([]string, len(nodes))
	for i, m := range nodes {
		paths[i] = m.Path()
	}
	values, err := n.tree.conn.Get(ctx, paths, false)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", n.Path(), wrapHubError(err))
	}
	for i := range values {
		values[i].Path = n.tree.stripPrefix(values[i].Path)
		n.tree.cachePut(values[i])
	}
	return values, nil
}

// GetCached serves the value from the client-side cache when it is younger
// than maxAge, falling back to a hub read. maxAge 0 bypasses the cache.
func (n Node) GetCached(ctx context.Context, maxAge time.Duration) (Value, error) {
	if v, ok := n.tree.cacheGet(n.path, maxAge); ok {
		return v, nil
	}
	return n.Get(ctx)
}

// setItem coerces a Go value into the typed SetItem for this node.
func (n Node) setItem(value any) (SetItem, error) {
	info, hasInfo := n.Info()
	if hasInfo && info.ReadOnly {
		return SetItem{}, fmt.Errorf("set %s: %w", n.Path(), ErrReadOnly)
	}

	item := SetItem{Path: n.Path()}
	if !hasInfo {
		// No metadata: infer the wire type from the Go type.
		typ, data, err := inferType(value)
		if err != nil {
			return SetItem{}, fmt.Errorf("set %s: %w", n.Path(), err)
		}
		item.Type, item.Data = typ, data
		return item, nil
	}

	item.Type = info.ValueType()
	data, err := coerce(info, value)
	if err != nil {
		return SetItem{}, fmt.Errorf("set %s: %w", n.Path(), err)
	}
	item.Data = data
	return item, nil
}

func inferType(value any) (protocol.ValueType, any, error) {
	switch v := value.(type) {
	case int:
		return protocol.TypeInt, int64(v), nil
	case int64:
		return protocol.TypeInt, v, nil
	case float64:
		return protocol.TypeDouble, v, nil
	case string:
		return protocol.TypeString, v, nil
	case bool:
		return protocol.TypeInt, boolToInt(v), nil
	case Complex:
		return protocol.TypeComplex, v, nil
	case []float64:
		return protocol.TypeVectorDouble, v, nil
	case []int64:
		return protocol.TypeVectorInt, v, nil
	case []byte:
		return protocol.TypeBytes, v, nil
	}
	return "", nil, fmt.Errorf("%w: cannot infer wire type for %T", ErrTypeMismatch, value)
}

func coerce(info Info, value any) (any, error) {
	switch info.ValueType() {
	case protocol.TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case bool:
			return boolToInt(v), nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		case string:
			// Enum keyword for Options nodes.
			if n, ok := info.OptionValue(v); ok {
				return n, nil
			}
			return nil, fmt.Errorf("%w: %q is not an option keyword of %s", ErrTypeMismatch, v, info.Path)
		}
	case protocol.TypeDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case protocol.TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case protocol.TypeComplex:
		switch v := value.(type) {
		case Complex:
			return v, nil
		case complex128:
			return Complex{Re: real(v), Im: imag(v)}, nil
		}
	case protocol.TypeVectorDouble:
		if v, ok := value.([]float64); ok {
			return v, nil
		}
	case protocol.TypeVectorInt:
		switch v := value.(type) {
		case []int64:
			return v, nil
		case []int16:
			out := make([]int64, len(v))
			for i, s := range v {
				out[i] = int64(s)
			}
			return out, nil
		}
	case protocol.TypeBytes:
		if v, ok := value.([]byte); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %T for %s node", ErrTypeMismatch, value, info.Type)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Set writes a value, mapping the Go type (or enum keyword string) onto the
// node's wire type.
func (n Node) Set(ctx context.Context, value any) error {
	if err := n.checkKnown(); err != nil {
		return err
	}
	item, err := n.setItem(value)
	if err != nil {
		return err
	}
	if _, err := n.tree.conn.Set(ctx, []SetItem{item}); err != nil {
		return fmt.Errorf("set %s: %w", n.Path(), wrapHubError(err))
	}
	return nil
}

func (n Node) SetInt(ctx context.Context, v int64) error      { return n.Set(ctx, v) }
func (n Node) SetDouble(ctx context.Context, v float64) error { return n.Set(ctx, v) }
func (n Node) SetString(ctx context.Context, v string) error {
	if err := n.checkKnown(); err != nil {
		return err
	}
	// A literal string set must not go through enum coercion.
	info, hasInfo := n.Info()
	if hasInfo && info.ReadOnly {
		return fmt.Errorf("set %s: %w", n.Path(), ErrReadOnly)
	}
	typ := protocol.TypeString
	if hasInfo {
		typ = info.ValueType()
		if typ != protocol.TypeString {
			return n.Set(ctx, v)
		}
	}
	_, err := n.tree.conn.Set(ctx, []SetItem{{Path: n.Path(), Type: typ, Data: v}})
	if err != nil {
		return fmt.Errorf("set %s: %w", n.Path(), wrapHubError(err))
	}
	return nil
}
func (n Node) SetComplex(ctx context.Context, v Complex) error   { return n.Set(ctx, v) }
func (n Node) SetVectorD(ctx context.Context, v []float64) error { return n.Set(ctx, v) }

// Subscribe registers the node for push updates.
func (n Node) Subscribe(ctx context.Context) error {
	if err := n.checkKnown(); err != nil {
		return err
	}
	if err := n.tree.conn.Subscribe(ctx, []string{n.Path()}); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.Path(), wrapHubError(err))
	}
	n.tree.addSub(n.path)
	return nil
}

// Unsubscribe removes the push registration.
func (n Node) Unsubscribe(ctx context.Context) error {
	if err := n.tree.conn.Unsubscribe(ctx, []string{n.Path()}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", n.Path(), wrapHubError(err))
	}
	n.tree.dropSub(n.path)
	return nil
}

// WaitOptions tunes WaitForStateChange.
type WaitOptions struct {
	// Invert waits for the value to become anything but want.
	Invert bool
}

// WaitForStateChange blocks until the integer node reaches want (or leaves
// it, with Invert). If the current value already satisfies the condition no
// waiting happens. The deadline comes from ctx.
func (n Node) WaitForStateChange(ctx context.Context, want int64, opts ...WaitOptions) error {
	var o WaitOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	satisfied := func(v Value) bool {
		got, ok := v.Int()
		if !ok {
			if f, fok := v.Float(); fok {
				got, ok = int64(f), true
			}
		}
		if !ok {
			return false
		}
		if o.Invert {
			return got != want
		}
		return got == want
	}

	wasSubscribed := n.tree.isSubscribed(n.path)
	if !wasSubscribed {
		if err := n.Subscribe(ctx); err != nil {
			return err
		}
		defer func() {
			// Restore the prior subscription state; use a fresh context so
			// cleanup still runs after a deadline.
			cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = n.Unsubscribe(cleanup)
		}()
	}

	updates, cancel := n.tree.conn.Watch(n.Path())
	defer cancel()

	current, err := n.Get(ctx)
	if err != nil {
		return err
	}
	if satisfied(current) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to reach %d: %w", n.Path(), want, ctx.Err())
		case v, ok := <-updates:
			if !ok {
				return fmt.Errorf("waiting for %s: connection closed", n.Path())
			}
			if satisfied(v) {
				return nil
			}
		}
	}
}
