// Package metrics maintains streaming process-capability statistics per
// session and per specification revision.
//
// Every update is O(1): moments are kept with Welford's algorithm and never
// recomputed from history. Each session and each specification has its own
// shard and mutex, so sessions on different specifications never contend.
package metrics

import (
	"fmt"
	"math"
	"sync"

	"github.com/roach88/torque/internal/torque"
)

// DefaultTrendWeight is the EWMA smoothing factor for the deviation trend.
const DefaultTrendWeight = 0.2

// Snapshot is a point-in-time view of one shard.
//
// Deviation statistics are in percent of the pass target so that passes
// with different targets share one distribution. Cp and Cpk are nil until
// at least two events with non-zero spread have been observed.
type Snapshot struct {
	Count int `json:"count"`
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`

	MeanDeviation  float64  `json:"mean_deviation"`
	MeanPercent    float64  `json:"mean_percent_deviation"`
	StdDevPercent  float64  `json:"stddev_percent_deviation"`
	LowerLimitPct  float64  `json:"lower_limit_percent"`
	UpperLimitPct  float64  `json:"upper_limit_percent"`
	Cp             *float64 `json:"cp,omitempty"`
	Cpk            *float64 `json:"cpk,omitempty"`
	FirstPassYield float64  `json:"first_pass_yield"`
	FirstAttempts  int      `json:"first_attempts"`
	TrendPercent   float64  `json:"trend_percent_deviation"`
}

// Limits returns the tolerance band of spec as percent deviation from
// target. Bands scale with pass fractions, so pass 1 is representative.
func Limits(spec torque.Specification) (lower, upper float64) {
	target := spec.PassTarget(1)
	lo, hi := spec.Band(1)
	return (lo/target - 1) * 100, (hi/target - 1) * 100
}

type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

func (w welford) stddev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}

type shard struct {
	mu sync.Mutex

	lower, upper float64
	alpha        float64

	pass, fail    int
	dev, pct      welford
	firstAttempts int
	firstPass     int
	trend         float64
}

func newShard(spec torque.Specification, alpha float64) *shard {
	lo, hi := Limits(spec)
	return &shard{lower: lo, upper: hi, alpha: alpha}
}

func (s *shard) observe(e torque.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Status.Failed() {
		s.fail++
	} else {
		s.pass++
	}
	s.dev.add(e.Deviation)
	if s.pct.n == 0 {
		s.trend = e.PercentDeviation
	} else {
		s.trend = s.alpha*e.PercentDeviation + (1-s.alpha)*s.trend
	}
	s.pct.add(e.PercentDeviation)

	if e.PassNumber == 1 && e.Attempt == 1 && e.ExpectedBolt == "" {
		s.firstAttempts++
		if !e.Status.Failed() {
			s.firstPass++
		}
	}
}

func (s *shard) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Count:         s.pct.n,
		Pass:          s.pass,
		Fail:          s.fail,
		MeanDeviation: s.dev.mean,
		MeanPercent:   s.pct.mean,
		StdDevPercent: s.pct.stddev(),
		LowerLimitPct: s.lower,
		UpperLimitPct: s.upper,
		FirstAttempts: s.firstAttempts,
		TrendPercent:  s.trend,
	}
	if s.firstAttempts > 0 {
		snap.FirstPassYield = float64(s.firstPass) / float64(s.firstAttempts)
	}
	if sigma := snap.StdDevPercent; sigma > 0 {
		cp := (s.upper - s.lower) / (6 * sigma)
		cpk := math.Min(s.upper-s.pct.mean, s.pct.mean-s.lower) / (3 * sigma)
		snap.Cp, snap.Cpk = &cp, &cpk
	}
	return snap
}

// Aggregator holds one shard per session and one per specification
// revision. Safe for concurrent use.
type Aggregator struct {
	alpha    float64
	sessions sync.Map // session id -> *shard
	specs    sync.Map // id@revision -> *shard

	mu     sync.Mutex
	latest map[string]int // specification id -> highest revision observed
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTrendWeight sets the EWMA smoothing factor in (0, 1].
func WithTrendWeight(alpha float64) Option {
	return func(a *Aggregator) {
		if alpha > 0 && alpha <= 1 {
			a.alpha = alpha
		}
	}
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{alpha: DefaultTrendWeight, latest: make(map[string]int)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe folds e into the shards of its session and specification
// revision. Each revision keeps its own tolerance limits.
func (a *Aggregator) Observe(spec torque.Specification, e torque.Event) {
	a.shard(&a.sessions, e.SessionID, spec).observe(e)
	a.shard(&a.specs, revisionKey(e.SpecificationID, spec.Revision), spec).observe(e)

	a.mu.Lock()
	if rev, ok := a.latest[e.SpecificationID]; !ok || spec.Revision > rev {
		a.latest[e.SpecificationID] = spec.Revision
	}
	a.mu.Unlock()
}

func revisionKey(id string, revision int) string {
	return fmt.Sprintf("%s@%d", id, revision)
}

func (a *Aggregator) shard(m *sync.Map, key string, spec torque.Specification) *shard {
	if v, ok := m.Load(key); ok {
		return v.(*shard)
	}
	v, _ := m.LoadOrStore(key, newShard(spec, a.alpha))
	return v.(*shard)
}

// Session returns the metrics of one session.
func (a *Aggregator) Session(id string) (Snapshot, bool) {
	v, ok := a.sessions.Load(id)
	if !ok {
		return Snapshot{}, false
	}
	return v.(*shard).snapshot(), true
}

// Specification returns the metrics across all sessions of the latest
// observed revision of a specification.
func (a *Aggregator) Specification(id string) (Snapshot, bool) {
	a.mu.Lock()
	rev, ok := a.latest[id]
	a.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return a.SpecificationRevision(id, rev)
}

// SpecificationRevision returns the metrics of one specification revision.
func (a *Aggregator) SpecificationRevision(id string, revision int) (Snapshot, bool) {
	v, ok := a.specs.Load(revisionKey(id, revision))
	if !ok {
		return Snapshot{}, false
	}
	return v.(*shard).snapshot(), true
}

// Compute folds events into a fresh shard. Used to rebuild metrics from a
// persisted event log.
func Compute(spec torque.Specification, events []torque.Event) Snapshot {
	s := newShard(spec, DefaultTrendWeight)
	for _, e := range events {
		s.observe(e)
	}
	return s.snapshot()
}
