// Package checkpoint persists and discovers per-step progress markers.
//
// A Store writes one object per completed step (step_<N>.txt) under a prefix
// of a storage provider and never rewrites or deletes them. The latest
// durable step is the largest N found among parseable marker names. Because
// each marker is created with a single atomic provider write, an interrupted
// write is simply invisible to discovery.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/ckptrun/pkg/provider"
)

// DefaultPageSize is the List page size used during discovery.
const DefaultPageSize = 1000

// Config configures a Store.
type Config struct {
	// Prefix is the key prefix markers live under. Empty means the provider
	// root. A trailing slash is added when missing.
	Prefix string

	// ListRateLimit caps List calls per second during discovery.
	// Zero means unlimited.
	ListRateLimit float64

	// PageSize is the List page size. Zero uses DefaultPageSize.
	PageSize int

	// RunID is recorded in every marker this store writes.
	RunID string

	// Logger receives debug output for skipped entries. Nil disables logging.
	Logger *zap.Logger

	// Now overrides the marker timestamp clock (tests).
	Now func() time.Time
}

// Store is the checkpoint marker collection.
//
// Store holds no cached view of the markers; every call reads the provider.
type Store struct {
	provider provider.Provider
	putter   provider.ObjectPutter
	getter   provider.ObjectGetter

	prefix   string
	pageSize int
	runID    string
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Store over p.
//
// p does not need to support writes if the store is only used for discovery.
func New(p provider.Provider, cfg Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("checkpoint provider is required")
	}
	if cfg.ListRateLimit < 0 {
		return nil, fmt.Errorf("list rate limit must be >= 0, got %v", cfg.ListRateLimit)
	}

	s := &Store{
		provider: p,
		prefix:   NormalizePrefix(cfg.Prefix),
		pageSize: cfg.PageSize,
		runID:    cfg.RunID,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if putter, ok := p.(provider.ObjectPutter); ok {
		s.putter = putter
	}
	if getter, ok := p.(provider.ObjectGetter); ok {
		s.getter = getter
	}
	if s.pageSize <= 0 {
		s.pageSize = DefaultPageSize
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.ListRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ListRateLimit), 1)
	}
	return s, nil
}

// NormalizePrefix trims a leading slash and ensures a trailing one.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Prefix returns the normalized marker prefix.
func (s *Store) Prefix() string { return s.prefix }

// Key returns the storage key of the marker for step.
func (s *Store) Key(step int) string { return s.prefix + MarkerName(step) }

// DiscoverLatest returns the highest step with a marker, or 0 if none.
//
// Entries that are not marker names directly under the prefix are skipped.
// A listing failure is returned as an error.
func (s *Store) DiscoverLatest(ctx context.Context) (int, error) {
	latest := 0
	err := s.scan(ctx, func(_ string, step int) {
		if step > latest {
			latest = step
		}
	})
	if err != nil {
		return 0, err
	}
	return latest, nil
}

// WriteMarker durably records that step units of work out of totalSteps are
// complete. When it returns nil, a DiscoverLatest from any process returns a
// value >= step.
//
// Markers are create-only. If the marker for step already exists, another
// launch of the same job recorded it first; the existing marker is kept and
// WriteMarker returns nil.
func (s *Store) WriteMarker(ctx context.Context, step, totalSteps int) error {
	if step <= 0 {
		return fmt.Errorf("%w: step must be positive, got %d", ErrInvalidStep, step)
	}
	if s.putter == nil {
		return fmt.Errorf("write marker: %w", ErrReadOnlyProvider)
	}

	body := EncodeMarker(Marker{
		Step:       step,
		TotalSteps: totalSteps,
		Timestamp:  s.now().UTC(),
		RunID:      s.runID,
	})
	key := s.Key(step)
	err := s.putter.PutObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	switch {
	case err == nil:
		return nil
	case provider.IsAlreadyExists(err):
		s.logger.Debug("Marker already present", zap.String("key", key), zap.Int("step", step))
		return nil
	default:
		return fmt.Errorf("write marker %s: %w", key, err)
	}
}

// Markers reads back every decodable marker, sorted by step.
//
// Entries whose name or body cannot be decoded, or whose body disagrees with
// its name, are skipped.
func (s *Store) Markers(ctx context.Context) ([]Marker, error) {
	if s.getter == nil {
		return nil, fmt.Errorf("read markers: provider does not support GetObject")
	}

	type entry struct {
		key  string
		step int
	}
	var entries []entry
	if err := s.scan(ctx, func(key string, step int) {
		entries = append(entries, entry{key: key, step: step})
	}); err != nil {
		return nil, err
	}

	out := make([]Marker, 0, len(entries))
	for _, e := range entries {
		m, err := s.readMarker(ctx, e.key)
		if err != nil {
			if provider.IsNotFound(err) {
				continue
			}
			if !errors.Is(err, ErrMalformedMarker) {
				return nil, err
			}
			s.logger.Debug("Skipping undecodable checkpoint marker", zap.String("key", e.key), zap.Error(err))
			continue
		}
		if m.Step != e.step {
			s.logger.Debug("Skipping checkpoint marker with mismatched step",
				zap.String("key", e.key), zap.Int("name_step", e.step), zap.Int("body_step", m.Step))
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (s *Store) readMarker(ctx context.Context, key string) (Marker, error) {
	body, _, err := s.getter.GetObject(ctx, key)
	if err != nil {
		return Marker{}, err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return Marker{}, fmt.Errorf("read marker %s: %w", key, err)
	}
	m, err := DecodeMarker(data)
	if err != nil {
		return Marker{}, err
	}
	m.Key = key
	return m, nil
}

// scan pages through the prefix and calls fn for every marker name.
func (s *Store) scan(ctx context.Context, fn func(key string, step int)) error {
	token := ""
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		res, err := s.provider.List(ctx, provider.ListOptions{
			Prefix:            s.prefix,
			ContinuationToken: token,
			MaxKeys:           s.pageSize,
		})
		if err != nil {
			return fmt.Errorf("list markers under %q: %w", s.prefix, err)
		}

		for _, obj := range res.Objects {
			step, ok := s.stepFromKey(obj.Key)
			if !ok {
				s.logger.Debug("Skipping unrecognized checkpoint entry", zap.String("key", obj.Key))
				continue
			}
			fn(obj.Key, step)
		}

		if !res.IsTruncated || res.ContinuationToken == "" {
			return nil
		}
		token = res.ContinuationToken
	}
}

func (s *Store) stepFromKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix)
	if !ok || strings.Contains(rest, "/") {
		return 0, false
	}
	return ParseMarkerName(rest)
}
