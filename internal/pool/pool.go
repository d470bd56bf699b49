// Package pool keeps a standing buffer of pre-generated practice items per
// (section, grade) key so that requests are served without waiting for the
// LLM.
//
// Each key owns a bucket: a mutex-guarded slice of entries, a count of
// generations already scheduled for it, and a weighted semaphore bounding how
// many generations for that key run at once. Selection and removal happen in
// one critical section with no I/O inside, so an entry is handed out at most
// once. Refill batches run as errgroup groups in the background; stragglers
// that finish after a key is already full are still appended (bounded
// overshoot above Target).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/practice"
)

var (
	// ErrUnavailable is returned by Consume when the buffer has no eligible
	// entry and the synchronous fallback generation failed too.
	ErrUnavailable = errors.New("pool: no practice item available")

	// ErrUnknownKey is returned for keys outside the configured catalog.
	ErrUnknownKey = errors.New("pool: unknown key")

	// ErrClosed is returned by Warm after Close.
	ErrClosed = errors.New("pool: closed")
)

// Generator produces one practice item. *generator.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, section practice.Section, grade practice.Grade) (practice.Entry, error)
}

// Config holds the sizing knobs.
type Config struct {
	// Target is the buffer size refills aim for. Default: 50.
	Target int

	// Min is the size each key is warmed to at startup and the readiness
	// threshold. Default: 5.
	Min int

	// BatchSize caps one background refill batch. Default: 10.
	BatchSize int

	// MaxInFlight bounds concurrent generations per key. Default: 4.
	MaxInFlight int

	// GenerateTimeout bounds each generation call. Default: 45s.
	GenerateTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Target <= 0 {
		c.Target = 50
	}
	if c.Min <= 0 {
		c.Min = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 45 * time.Second
	}
}

// Served is the outcome of a successful Consume.
type Served struct {
	Entry practice.Entry

	// FromPool is false when the entry was generated synchronously because
	// the buffer had nothing eligible.
	FromPool bool
}

// KeyStat describes one bucket at a point in time.
type KeyStat struct {
	Key      practice.Key
	Len      int
	InFlight int
}

// Option is a functional option for [New].
type Option func(*Pool)

// WithMetrics records buffer sizes and serve outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithRand replaces the uniform index source used by Consume. intn must
// return a value in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(p *Pool) {
		p.intn = intn
	}
}

// bucket is the per-key state.
type bucket struct {
	key     practice.Key
	section practice.Section
	sem     *semaphore.Weighted

	mu       sync.Mutex
	entries  []practice.Entry
	inflight int
}

// take removes and returns a uniformly chosen entry whose text differs from
// exclude.
func (b *bucket) take(exclude string, intn func(int) int) (practice.Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eligible := make([]int, 0, len(b.entries))
	for i, e := range b.entries {
		if exclude == "" || e.Text != exclude {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return practice.Entry{}, false
	}
	i := eligible[intn(len(eligible))]
	e := b.entries[i]
	last := len(b.entries) - 1
	b.entries[i] = b.entries[last]
	b.entries[last] = practice.Entry{}
	b.entries = b.entries[:last]
	return e, true
}

func (b *bucket) push(e practice.Entry) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	return len(b.entries)
}

// reserve books n generations for this bucket.
func (b *bucket) reserve(n int) {
	b.mu.Lock()
	b.inflight += n
	b.mu.Unlock()
}

func (b *bucket) done() {
	b.release(1)
}

// release returns n booked generations that will not run.
func (b *bucket) release(n int) {
	b.mu.Lock()
	b.inflight -= n
	b.mu.Unlock()
}

// deficit books and returns the size of the next refill batch, or 0 when
// the buffered plus already scheduled entries reach target.
func (b *bucket) deficit(target, batch int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	missing := target - len(b.entries) - b.inflight
	if missing <= 0 {
		return 0
	}
	n := min(batch, missing)
	b.inflight += n
	return n
}

func (b *bucket) stat() KeyStat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return KeyStat{Key: b.key, Len: len(b.entries), InFlight: b.inflight}
}

// Pool is the key-partitioned practice item cache. It is safe for
// concurrent use.
type Pool struct {
	gen     Generator
	cfg     Config
	keys    []practice.Key
	buckets map[practice.Key]*bucket // immutable after New
	metrics *observe.Metrics
	intn    func(int) int

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in background against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Pool with one empty bucket per section × grade of catalog.
// Nothing is generated until Warm, WarmAll or Consume is called.
func New(gen Generator, catalog *practice.Catalog, cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		gen:     gen,
		cfg:     cfg,
		keys:    catalog.Keys(),
		buckets: make(map[practice.Key]*bucket),
		intn:    rand.IntN,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, k := range p.keys {
		sec, _ := catalog.Section(k.Section)
		p.buckets[k] = &bucket{
			key:     k,
			section: sec,
			sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		}
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Config returns the effective configuration after defaults.
func (p *Pool) Config() Config { return p.cfg }

func (p *Pool) bucket(key practice.Key) (*bucket, error) {
	b, ok := p.buckets[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return b, nil
}

// Warm runs n generations for key, at most MaxInFlight at a time, and
// appends every success. It blocks until the batch is done and returns how
// many entries were added. Failed generations are dropped.
func (p *Pool) Warm(ctx context.Context, key practice.Key, n int) (int, error) {
	b, err := p.bucket(key)
	if err != nil {
		return 0, err
	}
	if p.ctx.Err() != nil {
		return 0, ErrClosed
	}
	if n <= 0 {
		return 0, nil
	}
	b.reserve(n)
	return p.runBatch(ctx, b, n), nil
}

// runBatch executes n reserved generations for b.
func (p *Pool) runBatch(ctx context.Context, b *bucket, n int) int {
	var (
		g     errgroup.Group
		added atomic.Int64
	)
	for range n {
		g.Go(func() error {
			defer b.done()
			if err := b.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer b.sem.Release(1)

			entry, err := p.generate(ctx, b)
			if err != nil {
				slog.Debug("pool generation failed", "key", b.key.String(), "err", err)
				return nil
			}
			b.push(entry)
			p.metrics.AddPoolEntries(p.ctx, b.key.String(), 1)
			added.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	got := int(added.Load())
	slog.Info("pool batch finished",
		"key", b.key.String(),
		"requested", n,
		"added", got,
		"size", b.stat().Len,
	)
	return got
}

func (p *Pool) generate(ctx context.Context, b *bucket) (practice.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	defer cancel()
	return p.gen.Generate(ctx, b.section, b.key.Grade)
}

// Maintain schedules a background refill for key when the buffered plus
// already scheduled entries fall short of Target. The batch is capped at
// BatchSize. It never blocks and is a no-op after Close.
func (p *Pool) Maintain(key practice.Key) {
	b, err := p.bucket(key)
	if err != nil || p.ctx.Err() != nil {
		return
	}
	n := b.deficit(p.cfg.Target, p.cfg.BatchSize)
	if n == 0 {
		return
	}
	p.background(b, n)
}

// background runs a reserved batch tied to the pool's lifetime. After
// Close the reservation is released and nothing starts.
func (p *Pool) background(b *bucket, n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		b.release(n)
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runBatch(p.ctx, b, n)
	}()
	return true
}

// WarmAll starts a Min-sized batch for every key and returns immediately.
func (p *Pool) WarmAll() {
	if p.ctx.Err() != nil {
		return
	}
	for _, k := range p.keys {
		b := p.buckets[k]
		b.reserve(p.cfg.Min)
		if !p.background(b, p.cfg.Min) {
			return
		}
	}
	slog.Info("pool warm-up started", "keys", len(p.keys), "per_key", p.cfg.Min)
}

// Consume hands out one entry for key whose text differs from exclude (an
// empty exclude matches nothing). The entry is removed before a background
// top-up is scheduled, so it is never served twice.
//
// With nothing eligible buffered, Consume generates one entry synchronously
// and, on success, schedules a top-up. If that fails too the error wraps
// ErrUnavailable and the buffer is left untouched.
func (p *Pool) Consume(ctx context.Context, key practice.Key, exclude string) (Served, error) {
	b, err := p.bucket(key)
	if err != nil {
		return Served{}, err
	}

	if e, ok := b.take(exclude, p.intn); ok {
		p.metrics.AddPoolEntries(ctx, key.String(), -1)
		p.metrics.RecordPoolServed(ctx, key.String(), observe.SourcePool)
		p.Maintain(key)
		return Served{Entry: e, FromPool: true}, nil
	}

	observe.Logger(ctx).Info("pool empty, generating on demand", "key", key.String())
	entry, err := p.generate(ctx, b)
	if err != nil {
		p.metrics.RecordPoolServed(ctx, key.String(), observe.SourceUnavailable)
		return Served{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, key, err)
	}
	p.metrics.RecordPoolServed(ctx, key.String(), observe.SourceFallback)
	p.Maintain(key)
	return Served{Entry: entry, FromPool: false}, nil
}

// Len returns the number of buffered entries for key (0 for unknown keys).
func (p *Pool) Len(key practice.Key) int {
	b, err := p.bucket(key)
	if err != nil {
		return 0
	}
	return b.stat().Len
}

// Stats returns a snapshot of every bucket in catalog order.
func (p *Pool) Stats() []KeyStat {
	out := make([]KeyStat, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, p.buckets[k].stat())
	}
	return out
}

// Ready reports whether every key holds at least Min entries.
func (p *Pool) Ready() bool {
	for _, k := range p.keys {
		if p.buckets[k].stat().Len < p.cfg.Min {
			return false
		}
	}
	return true
}

// Close cancels background batches and waits for them to return. Buffered
// entries stay readable.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
	return nil
}
