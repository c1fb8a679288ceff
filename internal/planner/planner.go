package planner

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/roach88/torque/internal/torque"
)

// WarningCode identifies a non-fatal planning condition.
type WarningCode string

// WarningPatternFallback is raised when STAR or CROSS has no table for the
// bolt count and LINEAR is used instead.
const WarningPatternFallback WarningCode = "PATTERN_FALLBACK"

// Warning is a non-fatal condition the caller must surface.
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// Plan is the expansion of one pass.
type Plan struct {
	SpecificationID string
	Requested       torque.Pattern
	Used            torque.Pattern
	Sequences       []torque.Sequence
	Warnings        []Warning
}

// Fallback reports whether the requested pattern was replaced.
func (p Plan) Fallback() bool {
	return p.Requested != p.Used
}

// Len returns the number of bolt positions in one pass.
func (p Plan) Len() int {
	return len(p.Sequences)
}

// IndexOf returns the pass-order index of a bolt position.
func (p Plan) IndexOf(bolt string) (int, bool) {
	for i, s := range p.Sequences {
		if s.BoltPosition == bolt {
			return i, true
		}
	}
	return 0, false
}

// Step is one (pass, position) pair of a full multi-pass run.
type Step struct {
	Pass     int
	Index    int
	Sequence torque.Sequence
}

// Steps repeats the pass order once per pass. The result has
// Len() * passes entries.
func (p Plan) Steps(passes int) []Step {
	steps := make([]Step, 0, len(p.Sequences)*passes)
	for pass := 1; pass <= passes; pass++ {
		for i, seq := range p.Sequences {
			steps = append(steps, Step{Pass: pass, Index: i, Sequence: seq})
		}
	}
	return steps
}

// BoltID returns the display id of a 1-based physical bolt number.
func BoltID(bolt int) string {
	return fmt.Sprintf("B%02d", bolt)
}

// SequenceID returns the stable id of a bolt row within a specification revision.
func SequenceID(spec torque.Specification, bolt int) string {
	return fmt.Sprintf("%s@%d/%s", spec.ID, spec.Revision, BoltID(bolt))
}

// Expand computes the tightening order for one pass of spec.
func Expand(spec torque.Specification) (Plan, error) {
	if spec.BoltCount <= 0 {
		return Plan{}, fmt.Errorf("expand %s: bolt count must be positive", spec.ID)
	}
	if len(spec.Layout) > 0 && len(spec.Layout) != spec.BoltCount {
		return Plan{}, fmt.Errorf("expand %s: layout has %d points for %d bolts", spec.ID, len(spec.Layout), spec.BoltCount)
	}

	layout := spec.Layout
	if len(layout) == 0 {
		layout = DefaultLayout(spec.BoltCount)
	}

	plan := Plan{
		SpecificationID: spec.ID,
		Requested:       spec.Pattern,
		Used:            spec.Pattern,
	}

	var order []int
	switch spec.Pattern {
	case torque.PatternLinear:
		order = linear(spec.BoltCount)
	case torque.PatternStar:
		order = fromTable(starTables, spec.BoltCount)
	case torque.PatternCross:
		order = fromTable(crossTables, spec.BoltCount)
	case torque.PatternSpiral:
		order = spiral(layout)
	default:
		return Plan{}, fmt.Errorf("expand %s: unknown pattern %q", spec.ID, spec.Pattern)
	}

	if order == nil {
		order = linear(spec.BoltCount)
		plan.fallBack(spec)
	}

	plan.Sequences = make([]torque.Sequence, len(order))
	for i, bolt := range order {
		pt := layout[bolt-1]
		plan.Sequences[i] = torque.Sequence{
			ID:              SequenceID(spec, bolt),
			SpecificationID: spec.ID,
			BoltPosition:    BoltID(bolt),
			Bolt:            bolt,
			SequenceNumber:  i + 1,
			X:               pt.X,
			Y:               pt.Y,
		}
	}
	return plan, nil
}

// FromSequences rebuilds a plan from stored sequence rows.
func FromSequences(spec torque.Specification, rows []torque.Sequence) (Plan, error) {
	if len(rows) != spec.BoltCount {
		return Plan{}, fmt.Errorf("plan %s: %d sequence rows for %d bolts", spec.ID, len(rows), spec.BoltCount)
	}
	sorted := append([]torque.Sequence(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})
	seen := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		if seen[r.BoltPosition] {
			return Plan{}, fmt.Errorf("plan %s: bolt %s appears twice", spec.ID, r.BoltPosition)
		}
		seen[r.BoltPosition] = true
	}
	plan := Plan{
		SpecificationID: spec.ID,
		Requested:       spec.Pattern,
		Used:            spec.Pattern,
		Sequences:       sorted,
	}
	// Stored rows of a fallback spec are the LINEAR order; the warning
	// is not stored with them, so raise it again.
	if !hasTable(spec.Pattern, spec.BoltCount) {
		plan.fallBack(spec)
	}
	return plan, nil
}

// hasTable reports whether a table-driven pattern covers count bolts.
// Patterns that are computed for any count always do.
func hasTable(p torque.Pattern, count int) bool {
	switch p {
	case torque.PatternStar:
		return fromTable(starTables, count) != nil
	case torque.PatternCross:
		return fromTable(crossTables, count) != nil
	}
	return true
}

func (p *Plan) fallBack(spec torque.Specification) {
	p.Used = torque.PatternLinear
	p.Warnings = append(p.Warnings, Warning{
		Code: WarningPatternFallback,
		Message: fmt.Sprintf("no %s table for %d bolts; using LINEAR",
			spec.Pattern, spec.BoltCount),
	})
}

// Render writes a human-readable listing of the plan.
func (p Plan) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "specification %s pattern %s (%d bolts)\n",
		p.SpecificationID, p.Used, len(p.Sequences)); err != nil {
		return err
	}
	for _, warn := range p.Warnings {
		if _, err := fmt.Fprintf(w, "warning %s: %s\n", warn.Code, warn.Message); err != nil {
			return err
		}
	}
	for _, s := range p.Sequences {
		if _, err := fmt.Fprintf(w, "%3d  %s  (%.2f, %.2f)\n", s.SequenceNumber, s.BoltPosition, s.X, s.Y); err != nil {
			return err
		}
	}
	return nil
}

func linear(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i + 1
	}
	return order
}

func fromTable(tables map[int][]int, n int) []int {
	t, ok := tables[n]
	if !ok {
		return nil
	}
	return append([]int(nil), t...)
}

// spiral orders bolts center-outward by distance from the centroid, breaking
// ties by angle measured counter-clockwise from +X.
func spiral(layout []torque.Point) []int {
	const eps = 1e-9

	var cx, cy float64
	for _, p := range layout {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(layout))
	cy /= float64(len(layout))

	type polar struct {
		bolt  int
		dist  float64
		angle float64
	}
	pts := make([]polar, len(layout))
	for i, p := range layout {
		dx, dy := p.X-cx, p.Y-cy
		a := math.Atan2(dy, dx)
		if a < 0 {
			a += 2 * math.Pi
		}
		pts[i] = polar{bolt: i + 1, dist: math.Hypot(dx, dy), angle: a}
	}
	sort.SliceStable(pts, func(i, j int) bool {
		if math.Abs(pts[i].dist-pts[j].dist) > eps {
			return pts[i].dist < pts[j].dist
		}
		if math.Abs(pts[i].angle-pts[j].angle) > eps {
			return pts[i].angle < pts[j].angle
		}
		return pts[i].bolt < pts[j].bolt
	})

	order := make([]int, len(pts))
	for i, p := range pts {
		order[i] = p.bolt
	}
	return order
}

// DefaultLayout places bolts when a specification carries no coordinates.
// Even counts form two rows numbered around the perimeter (top row left to
// right, bottom row right to left), as on a cylinder head. Odd counts sit on
// a unit circle.
func DefaultLayout(n int) []torque.Point {
	pts := make([]torque.Point, n)
	if n%2 == 0 {
		half := n / 2
		for i := 0; i < half; i++ {
			pts[i] = torque.Point{X: float64(i), Y: 1}
			pts[half+i] = torque.Point{X: float64(half - 1 - i), Y: 0}
		}
		return pts
	}
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = torque.Point{X: math.Cos(a), Y: math.Sin(a)}
	}
	return pts
}
