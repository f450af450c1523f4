// Package merge implements the three-way file-level merge engine (§4.F):
// pivot discovery, the fv working-set plan, rename propagation, and plan
// execution including textual 3-way merge with conflict markers.
package merge

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/repo"
	"github.com/gofossil/fossilgo/internal/store"
)

// Flags mirror the caller-supplied merge options of §4.F.
type Flags struct {
	Cherrypick   bool
	Backout      bool
	Integrate    bool
	DryRun       bool
	Force        bool
	ForceMissing bool
}

// Action is the per-row decision of the fv plan.
type Action int

const (
	ActionKeep Action = iota
	ActionUpdate
	ActionMerge
	ActionDelete
	ActionAdd
	ActionRename
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionUpdate:
		return "update"
	case ActionMerge:
		return "merge"
	case ActionDelete:
		return "delete"
	case ActionAdd:
		return "add"
	case ActionRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FVRow is one row of the fv working set, keyed by canonical (post-rename)
// path, per §4.F.
type FVRow struct {
	Path    string
	OldPath string // set when a rename is detected on the V or M side

	PRid int // content rid at the pivot, 0 if absent
	VRid int // content rid in the checkout base, 0 if absent
	MRid int // content rid in the merge-in side, 0 if absent

	VEdited bool // V has local uncommitted edits to this path

	Action   Action
	Conflict bool
}

// Plan is the outcome of fv construction: a set of per-path rows plus the
// pivot actually used.
type Plan struct {
	Pivot int
	Rows  []FVRow
}

// ErrNoCommonAncestor is returned when no pivot can be found at all.
var ErrNoCommonAncestor = fmt.Errorf("merge: no common ancestor between V and M")

// ErrMissingArtifact marks a reference error per §7, fatal unless
// flags.ForceMissing is set.
type ErrMissingArtifact struct{ Rid int }

func (e *ErrMissingArtifact) Error() string {
	return fmt.Sprintf("merge: artifact rid %d is not available", e.Rid)
}

// FindPivot runs a bidirectional BFS over plink (plus vmerge edges on the V
// side) to find the nearest common ancestor of v and m, per §4.F.
func FindPivot(r *repo.Repository, v, m int) (int, error) {
	distV := bfsDistances(r, v, true)
	distM := bfsDistances(r, m, false)
	best := 0
	bestDist := -1
	for rid, dv := range distV {
		if dm, ok := distM[rid]; ok {
			total := dv + dm
			if bestDist == -1 || total < bestDist {
				bestDist = total
				best = rid
			}
		}
	}
	if best == 0 {
		return 0, ErrNoCommonAncestor
	}
	return best, nil
}

func bfsDistances(r *repo.Repository, start int, includeVmerge bool) map[int]int {
	dist := map[int]int{start: 0}
	queue := []int{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents := r.AllParents(cur)
		if includeVmerge {
			for _, vm := range r.Vmerge {
				if vm.ID == 0 {
					parents = append(parents, vm.Mrid)
				}
			}
		}
		for _, p := range parents {
			if _, seen := dist[p]; !seen {
				dist[p] = dist[cur] + 1
				queue = append(queue, p)
			}
		}
	}
	return dist
}

// BuildPlan constructs the fv plan for merging m into v with pivot p,
// deriving per-row actions per the table in §4.F. localEdits reports whether
// V's working copy has uncommitted changes to a path.
func BuildPlan(r *repo.Repository, v, m, p int, localEdits map[string]bool) (*Plan, error) {
	pFiles := filesOf(r, p)
	vFiles := filesOf(r, v)
	mFiles := filesOf(r, m)

	renames := renamesAlong(r, p, v)
	renamesM := renamesAlong(r, p, m)

	paths := map[string]bool{}
	for path := range pFiles {
		paths[path] = true
	}
	for path := range vFiles {
		paths[canonicalPath(path, renames)] = true
	}
	for path := range mFiles {
		paths[canonicalPath(path, renamesM)] = true
	}

	var rows []FVRow
	for path := range paths {
		row := FVRow{Path: path}
		row.PRid = pFiles[path]
		vPath := reversePath(path, renames)
		mPath := reversePath(path, renamesM)
		row.VRid = vFiles[vPath]
		row.MRid = mFiles[mPath]
		if vPath != path && row.VRid != 0 {
			row.OldPath = vPath
		} else if mPath != path && row.MRid != 0 {
			row.OldPath = mPath
		}
		row.VEdited = localEdits[vPath] || localEdits[path]
		row.Action = classify(row)
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return &Plan{Pivot: p, Rows: rows}, nil
}

func filesOf(r *repo.Repository, checkinRid int) map[string]int {
	out := map[string]int{}
	for fnid, rid := range r.Manifest(checkinRid) {
		out[r.FilenameOf(fnid)] = rid
	}
	return out
}

// renamesAlong walks mlink.pfnid along the primary-parent path from `to` up
// to (and excluding) `from`, per §4.F's rename-propagation contract,
// returning old-name -> new-name as observed walking forward from `from`.
func renamesAlong(r *repo.Repository, from, to int) map[string]string {
	renames := map[string]string{}
	if from == to {
		return renames
	}
	path := primaryPath(r, to, from)
	for _, mid := range path {
		for _, row := range r.Mlink {
			if row.Mid != mid || row.Fnid == row.Pfnid {
				continue
			}
			oldName := r.FilenameOf(row.Pfnid)
			newName := r.FilenameOf(row.Fnid)
			if cur, ok := renames[oldName]; ok {
				renames[cur] = newName
			} else {
				renames[oldName] = newName
			}
		}
	}
	return renames
}

// primaryPath returns the sequence of manifest rids from descendant back to,
// but not including, ancestor (descendant first), following primary-parent
// links only.
func primaryPath(r *repo.Repository, descendant, ancestor int) []int {
	var out []int
	cur := descendant
	for cur != ancestor && cur != 0 {
		out = append(out, cur)
		parents := r.Parents(cur)
		if len(parents) == 0 {
			break
		}
		cur = parents[0]
	}
	return out
}

func canonicalPath(name string, renames map[string]string) string {
	seen := map[string]bool{}
	for {
		next, ok := renames[name]
		if !ok || seen[name] {
			return name
		}
		seen[name] = true
		name = next
	}
}

func reversePath(canon string, renames map[string]string) string {
	for old, new := range renames {
		if canonicalPath(new, renames) == canon {
			return old
		}
	}
	return canon
}

// classify applies the §4.F action table to one row.
func classify(row FVRow) Action {
	switch {
	case row.PRid == 0 && row.VRid == 0 && row.MRid != 0:
		return ActionAdd
	case row.PRid != 0 && row.VRid != 0 && row.MRid == 0:
		return ActionDelete
	case row.OldPath != "":
		return ActionRename
	case row.PRid != 0 && row.VRid == row.PRid && row.MRid != row.PRid && row.MRid != 0:
		return ActionUpdate
	case row.PRid != 0 && row.VRid != row.PRid && row.MRid != row.PRid && row.MRid != 0 && row.VRid != row.MRid:
		return ActionMerge
	default:
		return ActionKeep
	}
}

// ExecuteResult is returned by Execute.
type ExecuteResult struct {
	Files     map[string][]byte
	Conflicts int
	Warnings  []string
}

// Execute applies plan to the working tree (keyed by path -> content),
// performing textual 3-way merges where required. st supplies pivot/merge
// content lookups by rid. cfg's binary-glob patterns (§4.F: "binary files
// matching the binary-glob config... cause a conflict instead") are checked
// by path before falling back to content sniffing.
func Execute(st *store.Store, cfg *config.Config, plan *Plan, working map[string][]byte, flags Flags) (*ExecuteResult, error) {
	// Every row's content lookup (Add/Update: a single store fetch;
	// Merge/renamed-Merge: fetch of all three sides plus the textual
	// 3-way merge) is independent of every other row's, so they run
	// concurrently across the plan and are applied to the working tree
	// afterward in row order.
	content := make([][]byte, len(plan.Rows))
	conflict := make([]bool, len(plan.Rows))
	var g errgroup.Group
	for i := range plan.Rows {
		i, row := i, plan.Rows[i]
		switch row.Action {
		case ActionAdd, ActionUpdate:
			g.Go(func() error {
				c, err := fetch(st, row.MRid, flags.ForceMissing)
				if err != nil {
					return err
				}
				content[i] = c
				return nil
			})
		case ActionMerge:
			g.Go(func() error {
				merged, conf, err := threeWay(st, cfg, row, flags)
				if err != nil {
					return err
				}
				content[i], conflict[i] = merged, conf
				return nil
			})
		case ActionRename:
			if row.MRid != row.PRid && row.PRid != 0 && row.MRid != 0 {
				g.Go(func() error {
					merged, conf, err := threeWay(st, cfg, row, flags)
					if err != nil {
						return err
					}
					content[i], conflict[i] = merged, conf
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &ExecuteResult{Files: map[string][]byte{}}
	for path, c := range working {
		res.Files[path] = c
	}
	for i, row := range plan.Rows {
		switch row.Action {
		case ActionKeep:
			// nothing to do
		case ActionAdd, ActionUpdate:
			res.Files[row.Path] = content[i]
		case ActionDelete:
			if row.VEdited && !flags.Force {
				res.Warnings = append(res.Warnings, fmt.Sprintf("local edits lost: %s", row.Path))
			}
			delete(res.Files, row.Path)
		case ActionRename:
			if c, ok := res.Files[row.OldPath]; ok {
				delete(res.Files, row.OldPath)
				res.Files[row.Path] = c
			}
			if row.MRid != row.PRid && row.PRid != 0 && row.MRid != 0 {
				res.Files[row.Path] = content[i]
				if conflict[i] {
					res.Conflicts++
				}
			}
		case ActionMerge:
			res.Files[row.Path] = content[i]
			if conflict[i] {
				res.Conflicts++
			}
		}
	}
	return res, nil
}

func fetch(st *store.Store, rid int, forceMissing bool) ([]byte, error) {
	if rid == 0 {
		return nil, nil
	}
	if !st.IsAvailable(rid) {
		if !forceMissing {
			return nil, &ErrMissingArtifact{Rid: rid}
		}
		return nil, nil
	}
	return st.Get(rid)
}

func threeWay(st *store.Store, cfg *config.Config, row FVRow, flags Flags) ([]byte, bool, error) {
	base, err := fetch(st, row.PRid, flags.ForceMissing)
	if err != nil {
		return nil, false, err
	}
	a, err := fetch(st, row.VRid, flags.ForceMissing)
	if err != nil {
		return nil, false, err
	}
	b, err := fetch(st, row.MRid, flags.ForceMissing)
	if err != nil {
		return nil, false, err
	}
	if cfg != nil && cfg.IsBinaryPath(row.Path) {
		return binaryConflict(a, b), true, nil
	}
	return ThreeWayMerge(base, a, b)
}
