package patch

import (
	"database/sql"
	"fmt"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/delta"
	"github.com/gofossil/fossilgo/internal/merge"
	"github.com/gofossil/fossilgo/internal/repo"
	"github.com/gofossil/fossilgo/internal/store"
)

// ApplyOptions mirror the caller-supplied flags of §4.G "Apply".
type ApplyOptions struct {
	Force bool
}

// Apply executes the ordered apply sequence of §4.G against an in-memory
// working tree keyed by path, returning the resulting tree and the number
// of merge conflicts.
func Apply(st *store.Store, cfg *config.Config, r *repo.Repository, c *Container, checkoutBaseRid int, working map[string][]byte, hasLocalEdits bool, opts ApplyOptions) (map[string][]byte, int, error) {
	if hasLocalEdits && !opts.Force {
		return nil, 0, fmt.Errorf("patch: checkout has unsaved changes; pass Force to revert first")
	}

	merges, err := c.PatchMerges()
	if err != nil {
		return nil, 0, err
	}
	conflicts := 0
	for _, pm := range merges {
		mrid, ok := r.ResolveUUID(pm.MHash)
		if !ok {
			return nil, 0, fmt.Errorf("patch: merge source %s not available locally", pm.MHash)
		}
		// The caller is expected to have already updated to the patch's
		// stated baseline before Apply runs the merges (step 2 of §4.G).
		pivot, err := merge.FindPivot(r, checkoutBaseRid, mrid)
		if err != nil {
			continue // no common ancestor locally yet; proceed with file-level apply
		}
		plan, err := merge.BuildPlan(r, checkoutBaseRid, mrid, pivot, nil)
		if err != nil {
			return nil, 0, err
		}
		res, err := merge.Execute(st, cfg, plan, working, merge.Flags{Force: opts.Force})
		if err != nil {
			return nil, 0, err
		}
		working = res.Files
		conflicts += res.Conflicts
		r.AddVmerge(pm.Type, mrid)
	}

	rows, err := c.db.Query(`SELECT pathname, origname, hash, delta FROM chng`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	touched := map[string]bool{}
	for rows.Next() {
		var pathname, origname string
		var hash sql.NullString
		var d []byte
		if err := rows.Scan(&pathname, &origname, &hash, &d); err != nil {
			return nil, 0, err
		}
		touched[pathname] = true
		switch {
		case !hash.Valid && d == nil: // delete
			delete(working, pathname)
		case !hash.Valid && d != nil: // new
			working[pathname] = d
		default: // edit or rename or unchanged
			var base []byte
			if rid, ok := st.RidForHash(hash.String); ok {
				base, _ = st.Get(rid)
			}
			content := base
			if len(d) > 0 {
				content, err = delta.Apply(base, d)
				if err != nil {
					return nil, 0, fmt.Errorf("patch: apply %s: %w", pathname, err)
				}
			}
			if origname != pathname {
				delete(working, origname)
			}
			working[pathname] = content
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return working, conflicts, nil
}
