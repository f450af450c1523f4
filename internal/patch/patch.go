// Package patch implements the portable patch container (§4.G): a
// self-contained SQLite database capturing working-copy deltas against a
// baseline check-in, transportable as a single file or byte stream.
package patch

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/gofossil/fossilgo/internal/delta"
	"github.com/gofossil/fossilgo/internal/store"
)

// Kind classifies a chng row for View (§4.G "View").
type Kind int

const (
	KindUnchanged Kind = iota
	KindNew
	KindDelete
	KindEdit
	KindRename
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "NEW"
	case KindDelete:
		return "DELETE"
	case KindEdit:
		return "EDIT"
	case KindRename:
		return "RENAME"
	default:
		return "UNCHANGED"
	}
}

// FileChange is one logical working-copy change to be captured.
type FileChange struct {
	Path     string
	OldPath  string // set on rename
	Deleted  bool
	IsExe    bool
	IsLink   bool
	Content  []byte // full on-disk content, nil if Deleted
	Baseline int    // rid of the baseline content, 0 if new
}

// Config describes the `cfg` rows a patch database records.
type Config struct {
	Baseline    string
	Checkout    string
	Repo        string
	User        string
	Date        string
	ProjectCode string
	ProjectName string
	Hostname    string
	FossilDate  string
}

// Container wraps an open patch database (in-memory or file-backed).
type Container struct {
	log *logrus.Logger
	db  *sql.DB
}

// Create builds a new patch database in memory, with page_size=512 and
// journal_mode=off as the wire contract requires (§4.G, §6.2).
func Create(logger *logrus.Logger, cfg Config, changes []FileChange, st *store.Store, vmergeRows [][2]int) (*Container, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("patch: open: %w", err)
	}
	c := &Container{log: logger, db: db}
	if err := c.exec(
		`PRAGMA page_size=512;`,
		`PRAGMA journal_mode=OFF;`,
		`CREATE TABLE cfg(key TEXT PRIMARY KEY, value TEXT);`,
		`CREATE TABLE chng(pathname TEXT, origname TEXT, hash TEXT, isexe INTEGER, islink INTEGER, delta BLOB);`,
		`CREATE TABLE patchmerge(type INTEGER, mhash TEXT);`,
	); err != nil {
		return nil, err
	}

	projectCode := cfg.ProjectCode
	if projectCode == "" {
		// A repository not yet assigned a project-code (first patch ever
		// created against it) gets a fresh random one, the same way a new
		// repository does.
		projectCode = strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	cfgRows := map[string]string{
		"baseline": cfg.Baseline, "ckout": cfg.Checkout, "repo": cfg.Repo,
		"user": cfg.User, "date": cfg.Date, "project-code": projectCode,
		"project-name": cfg.ProjectName, "hostname": cfg.Hostname, "fossil-date": cfg.FossilDate,
	}
	for k, v := range cfgRows {
		if _, err := db.Exec(`INSERT INTO cfg(key,value) VALUES(?,?)`, k, v); err != nil {
			return nil, fmt.Errorf("patch: cfg insert: %w", err)
		}
	}

	for _, ch := range changes {
		if err := c.insertChng(st, ch); err != nil {
			return nil, err
		}
	}
	for _, vm := range vmergeRows {
		id, mrid := vm[0], vm[1]
		mhash := ""
		if mrid != 0 {
			mhash = st.Hash(mrid)
		}
		if _, err := db.Exec(`INSERT INTO patchmerge(type,mhash) VALUES(?,?)`, id, mhash); err != nil {
			return nil, fmt.Errorf("patch: patchmerge insert: %w", err)
		}
	}
	return c, nil
}

func (c *Container) exec(stmts ...string) error {
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("patch: %s: %w", s, err)
		}
	}
	return nil
}

func (c *Container) insertChng(st *store.Store, ch FileChange) error {
	exe, link := boolToInt(ch.IsExe), boolToInt(ch.IsLink)
	origname := ch.OldPath
	if origname == "" {
		origname = ch.Path
	}
	switch {
	case ch.Baseline == 0 && !ch.Deleted:
		// New file: full content, stored uncompressed, NULL hash.
		_, err := c.db.Exec(`INSERT INTO chng(pathname,origname,hash,isexe,islink,delta) VALUES(?,?,NULL,?,?,?)`,
			ch.Path, origname, exe, link, ch.Content)
		return err
	case ch.Deleted:
		_, err := c.db.Exec(`INSERT INTO chng(pathname,origname,hash,isexe,islink,delta) VALUES(?,?,NULL,?,?,NULL)`,
			ch.Path, origname, exe, link)
		return err
	default:
		baseContent, err := st.Get(ch.Baseline)
		if err != nil {
			return fmt.Errorf("patch: baseline content: %w", err)
		}
		var payload []byte
		if !bytes.Equal(baseContent, ch.Content) {
			payload = delta.Create(baseContent, ch.Content)
		}
		hash := st.Hash(ch.Baseline)
		_, err = c.db.Exec(`INSERT INTO chng(pathname,origname,hash,isexe,islink,delta) VALUES(?,?,?,?,?,?)`,
			ch.Path, origname, hash, exe, link, payload)
		return err
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Write serialises the database to path as a standalone SQLite file
// (magic "SQLite format 3\0", §6.2).
func (c *Container) Write(path string) error {
	os.Remove(path)
	if _, err := c.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("patch: vacuum into %s: %w", path, err)
	}
	return nil
}

// Attach opens an existing patch database file and verifies it with
// PRAGMA quick_check (§4.G "Attach").
func Attach(logger *logrus.Logger, path string) (*Container, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("patch: open %s: %w", path, err)
	}
	var result string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		db.Close()
		return nil, fmt.Errorf("patch: quick_check: %w", err)
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("patch: quick_check failed: %s", result)
	}
	return &Container{log: logger, db: db}, nil
}

// ViewRow is one row of View's report.
type ViewRow struct {
	Path    string
	OldPath string
	Kind    Kind
}

// View reports each path's kind of change (§4.G "View").
func (c *Container) View() ([]ViewRow, error) {
	rows, err := c.db.Query(`SELECT pathname, origname, hash, delta FROM chng`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ViewRow
	for rows.Next() {
		var pathname, origname string
		var hash sql.NullString
		var d []byte
		if err := rows.Scan(&pathname, &origname, &hash, &d); err != nil {
			return nil, err
		}
		vr := ViewRow{Path: pathname, OldPath: origname}
		switch {
		case !hash.Valid && d != nil:
			vr.Kind = KindNew
		case !hash.Valid && d == nil:
			vr.Kind = KindDelete
		case hash.Valid && len(d) == 0:
			if origname != pathname {
				vr.Kind = KindRename
			} else {
				vr.Kind = KindUnchanged
			}
		default:
			vr.Kind = KindEdit
		}
		out = append(out, vr)
	}
	return out, rows.Err()
}

// Diff returns, per path, the baseline bytes and the patched bytes, letting
// the caller feed both to an external text-diff component per §4.G.
func (c *Container) Diff(st *store.Store) (map[string][2][]byte, error) {
	rows, err := c.db.Query(`SELECT pathname, hash, delta FROM chng`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][2][]byte{}
	for rows.Next() {
		var pathname string
		var hash sql.NullString
		var d []byte
		if err := rows.Scan(&pathname, &hash, &d); err != nil {
			return nil, err
		}
		var base []byte
		if hash.Valid {
			if rid, ok := st.RidForHash(hash.String); ok {
				base, _ = st.Get(rid)
			}
		}
		patched := base
		if hash.Valid && len(d) > 0 {
			patched, err = delta.Apply(base, d)
			if err != nil {
				return nil, fmt.Errorf("patch: diff apply %s: %w", pathname, err)
			}
		} else if !hash.Valid && d != nil {
			patched = d
		} else if !hash.Valid && d == nil {
			patched = nil
		}
		out[pathname] = [2][]byte{base, patched}
	}
	return out, rows.Err()
}

// Config reads the cfg table back out.
func (c *Container) Config() (Config, error) {
	rows, err := c.db.Query(`SELECT key, value FROM cfg`)
	if err != nil {
		return Config{}, err
	}
	defer rows.Close()
	m := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Config{}, err
		}
		m[k] = v
	}
	return Config{
		Baseline: m["baseline"], Checkout: m["ckout"], Repo: m["repo"],
		User: m["user"], Date: m["date"], ProjectCode: m["project-code"],
		ProjectName: m["project-name"], Hostname: m["hostname"], FossilDate: m["fossil-date"],
	}, rows.Err()
}

// PatchMergeRow is one pending merge recorded in patchmerge.
type PatchMergeRow struct {
	Type  int
	MHash string
}

// PatchMerges reads back the patchmerge table.
func (c *Container) PatchMerges() ([]PatchMergeRow, error) {
	rows, err := c.db.Query(`SELECT type, mhash FROM patchmerge`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PatchMergeRow
	for rows.Next() {
		var pr PatchMergeRow
		if err := rows.Scan(&pr.Type, &pr.MHash); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (c *Container) Close() error { return c.db.Close() }
