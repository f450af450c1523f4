// Package graph implements the timeline rail layouter (§4.H): assigning
// each displayed commit to a rail, routing primary-parent risers and merge
// arrows subject to a maximum-rail budget.
package graph

import "sort"

// RiserMargin is the reserved row margin above leaves and below initial
// rows, per §4.H step 6.
const RiserMargin = 4

// GRMaxRail is the default rail budget (GR_MAX_RAIL).
const GRMaxRail = 64

// MergeKind distinguishes a merge riser from a cherrypick riser.
type MergeKind int

const (
	MergeNone MergeKind = iota
	MergeNormal
	MergeCherrypick
)

// Row is one input row to the layouter: a commit with its parents (primary
// first), in the order spec.md §4.H promises (top-of-display first).
type Row struct {
	Rid        int
	Parents    []int
	Cherrypick map[int]bool // subset of Parents that are cherrypick edges
	Branch     string
	BgColor    string
	IsLeaf     bool

	// populated by Layout, except RailInUse and UpExtent, which Layout
	// leaves at zero:
	Idx         int
	Rail        int
	RailInUse   uint64
	MergeOut    int // rail of the outgoing merge line, or -1
	TimeWarp    bool
	Duplicate   bool
	UpExtent    int
	InMerge     map[int]MergeKind // rail -> incoming merge flag
}

// Result is the full layout outcome.
type Result struct {
	Rows       []*Row
	RailCount  int
	Overfull   bool
	RailMap    map[int]int // rail -> display column, after reordering
}

// Layout assigns rails to rows per the ten-step algorithm of §4.H. rows must
// already be topologically ordered, top-of-display first. maxRail is
// GRMaxRail unless the caller overrides it (e.g. via config.RailBudget).
func Layout(rows []Row, maxRail int) *Result {
	if maxRail <= 0 {
		maxRail = GRMaxRail
	}
	res := &Result{RailMap: map[int]int{}}
	out := make([]*Row, len(rows))
	byRid := map[int]*Row{}
	dupes := map[int]bool{}

	// Step 1: hash insert, flag duplicates.
	for i := range rows {
		r := rows[i]
		r.Idx = i
		r.Rail = -1
		r.MergeOut = -1
		r.InMerge = map[int]MergeKind{}
		rowCopy := r
		if _, exists := byRid[r.Rid]; exists {
			rowCopy.Duplicate = true
			dupes[r.Rid] = true
		} else {
			byRid[r.Rid] = &rowCopy
		}
		out[i] = &rowCopy
	}

	onScreen := func(rid int) bool {
		_, ok := byRid[rid]
		return ok
	}

	// Step 3: prefer a visible non-cherrypick parent at index 0.
	for _, r := range out {
		if len(r.Parents) < 2 {
			continue
		}
		if !onScreen(r.Parents[0]) {
			for i := 1; i < len(r.Parents); i++ {
				if onScreen(r.Parents[i]) && !r.Cherrypick[r.Parents[i]] {
					r.Parents[0], r.Parents[i] = r.Parents[i], r.Parents[0]
					break
				}
			}
		}
	}

	// Step 4: prefer a same-branch primary parent.
	for _, r := range out {
		if len(r.Parents) < 2 || !onScreen(r.Parents[0]) {
			continue
		}
		if byRid[r.Parents[0]].Branch == r.Branch {
			continue
		}
		for i := 1; i < len(r.Parents); i++ {
			if onScreen(r.Parents[i]) && byRid[r.Parents[i]].Branch == r.Branch {
				r.Parents[0], r.Parents[i] = r.Parents[i], r.Parents[0]
				break
			}
		}
	}

	// Step 5: pChild selection / timewarp detection.
	childOnBranch := map[string]*Row{} // branch -> highest (lowest idx) child seen so far
	for _, r := range out {
		if cur, ok := childOnBranch[r.Branch]; !ok || r.Idx < cur.Idx {
			childOnBranch[r.Branch] = r
		}
		if len(r.Parents) == 0 {
			continue
		}
		p := r.Parents[0]
		if !onScreen(p) {
			continue
		}
		prow := byRid[p]
		if child, ok := childOnBranch[prow.Branch]; ok && child.Idx < prow.Idx && child.Rid != r.Rid {
			if child.Idx < r.Idx {
				prow.TimeWarp = true
			}
		}
	}

	// Step 6: rail assignment.
	type span struct{ start, end int }
	railSpans := map[int][]span{}
	railFree := func(rail, start, end int) bool {
		for _, s := range railSpans[rail] {
			if start <= s.end+RiserMargin && end >= s.start-RiserMargin {
				return false
			}
		}
		return true
	}
	occupy := func(rail, start, end int) { railSpans[rail] = append(railSpans[rail], span{start, end}) }
	nextRail := 0
	allocRail := func(start, end int) int {
		for r := 0; r < maxRail; r++ {
			if railFree(r, start, end) {
				occupy(r, start, end)
				if r+1 > nextRail {
					nextRail = r + 1
				}
				return r
			}
		}
		res.Overfull = true
		occupy(maxRail, start, end)
		return maxRail
	}

	// pass 1: rows with no visible primary parent.
	for _, r := range out {
		hasVisiblePrimary := len(r.Parents) > 0 && onScreen(r.Parents[0])
		if hasVisiblePrimary {
			continue
		}
		end := r.Idx
		if r.IsLeaf {
			end += RiserMargin
		}
		r.Rail = allocRail(r.Idx, end)
	}
	// pass 2: everyone else, bottom of the display first so a parent's rail
	// is known before its children, inherits the parent's rail when no other
	// span on it overlaps the parent-child span, or finds a free rail.
	spanClear := func(rail, start, end int) bool {
		for _, s := range railSpans[rail] {
			if start < s.end && end > s.start {
				return false
			}
		}
		return true
	}
	for i := len(out) - 1; i >= 0; i-- {
		r := out[i]
		if r.Rail != -1 {
			continue
		}
		p := r.Parents[0]
		pr := byRid[p]
		span2 := span{start: min(r.Idx, pr.Idx), end: max(r.Idx, pr.Idx)}
		if pr.Rail != -1 && spanClear(pr.Rail, span2.start, span2.end) {
			r.Rail = pr.Rail
			occupy(pr.Rail, span2.start, span2.end)
		} else {
			r.Rail = allocRail(span2.start, span2.end)
		}
	}

	// Step 7: merge risers.
	offscreenMergeRail := map[int]int{} // off-screen parent rid -> shared rail
	for _, r := range out {
		for pi, p := range r.Parents {
			if pi == 0 {
				continue
			}
			kind := MergeNormal
			if r.Cherrypick[p] {
				kind = MergeCherrypick
			}
			if onScreen(p) {
				pr := byRid[p]
				rail := pr.Rail
				if !railFree(rail, r.Idx, pr.Idx) {
					rail = allocRail(r.Idx, pr.Idx)
				}
				pr.InMerge[rail] = kind
				r.MergeOut = rail
			} else {
				rail, ok := offscreenMergeRail[p]
				if !ok {
					rail = allocRail(0, r.Idx)
					offscreenMergeRail[p] = rail
				}
				r.MergeOut = rail
			}
		}
	}

	// Step 8: duplicates get a dedicated high rail.
	for _, r := range out {
		if r.Duplicate {
			r.Rail = allocRail(r.Idx, r.Idx)
		}
	}

	// Step 9: overflow already flagged by allocRail; clamp to maxRail-1 for display.
	maxUsed := 0
	for _, r := range out {
		if r.Rail > maxUsed {
			maxUsed = r.Rail
		}
		if r.Rail >= maxRail {
			r.Rail = maxRail - 1
		}
		if r.MergeOut > maxUsed {
			maxUsed = r.MergeOut
		}
		if r.MergeOut >= maxRail {
			r.MergeOut = maxRail - 1
		}
	}
	res.RailCount = maxUsed + 1
	if res.RailCount > maxRail {
		res.RailCount = maxRail
	}

	// Step 10: column reordering (skip entirely if any timewarp present).
	anyTimeWarp := false
	for _, r := range out {
		if r.TimeWarp {
			anyTimeWarp = true
			break
		}
	}
	res.RailMap = map[int]int{}
	if !anyTimeWarp {
		res.RailMap = reorderColumns(out, nextRail)
	} else {
		for i := 0; i < nextRail; i++ {
			res.RailMap[i] = i
		}
	}

	res.Rows = out
	return res
}

// reorderColumns assigns a display column per rail, preferred branch
// leftmost, per §4.H step 10.
func reorderColumns(rows []*Row, railCount int) map[int]int {
	type railInfo struct {
		rail     int
		priority int
	}
	preferred := ""
	if len(rows) > 0 {
		preferred = rows[0].Branch
	}
	prio := make([]railInfo, railCount)
	for i := range prio {
		prio[i] = railInfo{rail: i, priority: 3}
	}
	for _, r := range rows {
		if r.Rail < 0 || r.Rail >= railCount {
			continue
		}
		if r.Branch == preferred {
			prio[r.Rail].priority = 0
		} else if len(r.InMerge) > 0 && prio[r.Rail].priority > 1 {
			prio[r.Rail].priority = 1
		}
	}
	sort.SliceStable(prio, func(i, j int) bool { return prio[i].priority < prio[j].priority })
	out := map[int]int{}
	for col, info := range prio {
		out[info.rail] = col
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
