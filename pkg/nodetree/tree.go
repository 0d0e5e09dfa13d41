package nodetree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"labkit/internal/protocol"
)

const (
	cacheDefaultTTL     = time.Minute
	cacheSweepInterval  = 5 * time.Minute
	defaultWatchTimeout = 30 * time.Second
)

// Tree is the node tree of one root (a device serial such as /dev1000, or
// /hub for the hub's own nodes). The root prefix is hidden from all paths
// the caller sees and re-attached for wire calls.
type Tree struct {
	conn   Connection
	prefix string
	logger *zap.Logger

	infos map[string]Info // keyed by relative canonical path

	cache *gocache.Cache

	mu   sync.Mutex
	subs map[string]int // subscription refcounts held through this tree
}

type treeOptions struct {
	logger    *zap.Logger
	preloaded map[string]protocol.NodeInfo
}

// Option configures tree construction.
type Option func(*treeOptions)

// WithLogger attaches a logger; the default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *treeOptions) { o.logger = l }
}

// WithPreloadedInfo supplies node metadata directly instead of querying the
// hub. Used for legacy devices that cannot serve node docs.
func WithPreloadedInfo(infos map[string]protocol.NodeInfo) Option {
	return func(o *treeOptions) { o.preloaded = infos }
}

// New builds a tree for the given root prefix, fetching node metadata via
// listNodesInfo unless preloaded info is supplied.
func New(ctx context.Context, conn Connection, prefix string, opts ...Option) (*Tree, error) {
	o := treeOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	prefix = protocol.CanonicalPath(prefix)
	raw := o.preloaded
	if raw == nil {
		var err error
		raw, err = conn.ListNodesInfo(ctx, prefix+"/*")
		if err != nil {
			return nil, fmt.Errorf("list node info for %s: %w", prefix, wrapHubError(err))
		}
	}

	t := &Tree{
		conn:   conn,
		prefix: prefix,
		logger: o.logger,
		infos:  make(map[string]Info, len(raw)),
		cache:  gocache.New(cacheDefaultTTL, cacheSweepInterval),
		subs:   make(map[string]int),
	}
	for path, ni := range raw {
		rel := t.stripPrefix(protocol.CanonicalPath(path))
		t.infos[rel] = infoFrom(rel, ni)
	}
	t.logger.Debug("node tree built", zap.String("prefix", prefix), zap.Int("nodes", len(t.infos)))
	return t, nil
}

// Prefix returns the hidden root prefix, e.g. "/dev1000".
func (t *Tree) Prefix() string { return t.prefix }

// Conn returns the underlying connection.
func (t *Tree) Conn() Connection { return t.conn }

// Node returns a handle for a path relative to the tree root. No I/O is
// performed until an operation is called on the handle.
func (t *Tree) Node(path string) Node {
	return Node{tree: t, path: protocol.CanonicalPath(path)}
}

// Root returns the handle of the tree root itself.
func (t *Tree) Root() Node { return Node{tree: t, path: "/"} }

// Info returns the metadata of a relative path.
func (t *Tree) Info(path string) (Info, bool) {
	info, ok := t.infos[protocol.CanonicalPath(path)]
	return info, ok
}

// HasInfo reports whether the tree carries any node metadata at all.
func (t *Tree) HasInfo() bool { return len(t.infos) > 0 }

// Leaves returns the sorted relative paths of all leaves under prefix.
// An empty prefix lists the whole tree.
func (t *Tree) Leaves(prefix string) []string {
	prefix = protocol.CanonicalPath(prefix)
	var out []string
	for path := range t.infos {
		if prefix == "/" || path == prefix || strings.HasPrefix(path, prefix+"/") {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// WalkInfo visits all node metadata in path order. Returning false from fn
// stops the walk.
func (t *Tree) WalkInfo(fn func(path string, info Info) bool) {
	for _, path := range t.Leaves("") {
		if !fn(path, t.infos[path]) {
			return
		}
	}
}

// Match resolves a wildcard pattern against the known leaves. A "*" segment
// matches exactly one path segment; a trailing "*" matches the whole rest.
func (t *Tree) Match(pattern string) []Node {
	pattern = protocol.CanonicalPath(pattern)
	if !strings.Contains(pattern, "*") {
		if _, ok := t.infos[pattern]; ok {
			return []Node{t.Node(pattern)}
		}
		return nil
	}
	var out []Node
	for _, path := range t.Leaves("") {
		if matchPattern(pattern, path) {
			out = append(out, t.Node(path))
		}
	}
	return out
}

func matchPattern(pattern, path string) bool {
	pseg := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	seg := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range pseg {
		if p == "*" && i == len(pseg)-1 {
			// Trailing wildcard swallows the rest.
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

func (t *Tree) stripPrefix(path string) string {
	if t.prefix != "/" && strings.HasPrefix(path, t.prefix) {
		return protocol.CanonicalPath(strings.TrimPrefix(path, t.prefix))
	}
	return path
}

// abs turns a relative canonical path into the absolute wire path.
func (t *Tree) abs(path string) string {
	if t.prefix == "/" {
		return path
	}
	return t.prefix + path
}

func (t *Tree) isSubscribed(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[path] > 0
}

func (t *Tree) addSub(path string) { t.mu.Lock(); t.subs[path]++; t.mu.Unlock() }
func (t *Tree) dropSub(path string) {
	t.mu.Lock()
	if t.subs[path] > 0 {
		t.subs[path]--
	}
	t.mu.Unlock()
}

type cacheEntry struct {
	value Value
	at    time.Time
}

func (t *Tree) cachePut(v Value) {
	t.cache.Set(v.Path, cacheEntry{value: v, at: time.Now()}, gocache.DefaultExpiration)
}

func (t *Tree) cacheGet(path string, maxAge time.Duration) (Value, bool) {
	if maxAge <= 0 {
		return Value{}, false
	}
	raw, ok := t.cache.Get(path)
	if !ok {
		return Value{}, false
	}
	entry := raw.(cacheEntry)
	if time.Since(entry.at) > maxAge {
		return Value{}, false
	}
	return entry.value, true
}
