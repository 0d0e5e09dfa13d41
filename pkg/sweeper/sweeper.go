// Package sweeper runs client-side grid sweeps: step a setting across a
// linear or logarithmic grid and collect readings at every point.
package sweeper

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"labkit/pkg/nodetree"
)

// Mapping selects the grid spacing.
type Mapping string

const (
	MappingLinear Mapping = "linear"
	MappingLog    Mapping = "log"
)

// Config describes one sweep.
type Config struct {
	Start   float64
	Stop    float64
	Samples int
	Mapping Mapping
	// SettleTime is waited after each set before reading.
	SettleTime time.Duration
	// AveragingSamples is the number of reads per node per grid point.
	// Zero means one.
	AveragingSamples int
	Logger           *zap.Logger
}

// Point holds everything read at one grid value.
type Point struct {
	Value   float64
	Samples []nodetree.Value
}

// Result is a completed sweep.
type Result struct {
	Grid   []float64
	Points []Point
}

// Sweeper executes sweeps from a validated config.
type Sweeper struct {
	cfg    Config
	grid   []float64
	logger *zap.Logger

	completed atomic.Int64
}

// New validates the config and precomputes the grid.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Samples < 2 {
		return nil, errors.Errorf("sweep needs at least 2 samples, got %d", cfg.Samples)
	}
	if cfg.Start == cfg.Stop {
		return nil, errors.New("sweep bounds must differ")
	}
	if cfg.Mapping == "" {
		cfg.Mapping = MappingLinear
	}
	if cfg.Mapping == MappingLog && (cfg.Start <= 0 || cfg.Stop <= 0) {
		return nil, errors.Errorf("log sweep needs positive bounds, got [%g, %g]", cfg.Start, cfg.Stop)
	}
	if cfg.AveragingSamples <= 0 {
		cfg.AveragingSamples = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	grid := make([]float64, cfg.Samples)
	switch cfg.Mapping {
	case MappingLinear:
		step := (cfg.Stop - cfg.Start) / float64(cfg.Samples-1)
		for i := range grid {
			grid[i] = cfg.Start + float64(i)*step
		}
	case MappingLog:
		lo, hi := math.Log10(cfg.Start), math.Log10(cfg.Stop)
		step := (hi - lo) / float64(cfg.Samples-1)
		for i := range grid {
			grid[i] = math.Pow(10, lo+float64(i)*step)
		}
	default:
		return nil, errors.Errorf("unknown mapping %q", cfg.Mapping)
	}
	// Land exactly on the stop value despite accumulation error.
	grid[len(grid)-1] = cfg.Stop

	return &Sweeper{cfg: cfg, grid: grid, logger: cfg.Logger}, nil
}

// Grid returns the precomputed sweep values.
func (s *Sweeper) Grid() []float64 { return s.grid }

// Progress returns the completed fraction of the current or last run.
func (s *Sweeper) Progress() float64 {
	return float64(s.completed.Load()) / float64(len(s.grid))
}

// Run sweeps setNode across the grid and reads readNodes at every point.
// Each point is: transactional set, hub sync barrier, settle wait, then all
// read nodes concurrently with averaging. Cancelling ctx aborts the sweep
// and discards the partial result.
func (s *Sweeper) Run(ctx context.Context, setNode nodetree.Node, readNodes ...nodetree.Node) (*Result, error) {
	if len(readNodes) == 0 {
		return nil, errors.New("sweep needs at least one read node")
	}
	s.completed.Store(0)

	result := &Result{Grid: s.grid, Points: make([]Point, 0, len(s.grid))}
	start := time.Now()
	for i, value := range s.grid {
		point, err := s.runPoint(ctx, value, setNode, readNodes)
		if err != nil {
			return nil, errors.Wrapf(err, "sweep aborted at point %d/%d (%s=%g)",
				i+1, len(s.grid), setNode.Path(), value)
		}
		result.Points = append(result.Points, point)
		s.completed.Add(1)
	}
	s.logger.Info("sweep complete",
		zap.String("node", setNode.Path()),
		zap.Int("points", len(s.grid)),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

func (s *Sweeper) runPoint(ctx context.Context, value float64, setNode nodetree.Node, readNodes []nodetree.Node) (Point, error) {
	err := setNode.Tree().WithTransaction(ctx, func(tx *nodetree.Transaction) error {
		return tx.SetDouble(setNode, value)
	})
	if err != nil {
		return Point{}, err
	}
	if err := setNode.Tree().Conn().Sync(ctx); err != nil {
		return Point{}, errors.Wrap(err, "sync")
	}
	if s.cfg.SettleTime > 0 {
		select {
		case <-ctx.Done():
			return Point{}, ctx.Err()
		case <-time.After(s.cfg.SettleTime):
		}
	}

	point := Point{Value: value}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range readNodes {
		node := node
		g.Go(func() error {
			for k := 0; k < s.cfg.AveragingSamples; k++ {
				v, err := node.GetDeep(gctx)
				if err != nil {
					return err
				}
				mu.Lock()
				point.Samples = append(point.Samples, v)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Point{}, err
	}
	return point, nil
}
