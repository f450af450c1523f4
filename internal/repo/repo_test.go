package repo

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/hashcodec"
	"github.com/gofossil/fossilgo/internal/manifest"
	"github.com/gofossil/fossilgo/internal/store"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := config.DefaultHashPolicy
	_ = cfg
	c, err := config.Unmarshal([]byte(""))
	require.NoError(t, err)
	st := store.New(logger, c)
	return New(logger, c, st)
}

func putManifest(t *testing.T, r *Repository, spec manifest.ManifestSpec) (int, *manifest.Artifact) {
	t.Helper()
	raw := manifest.BuildManifest(spec)
	rid, err := r.Store.Put(raw, false)
	require.NoError(t, err)
	art, err := manifest.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, r.Crosslink(rid, art))
	return rid, art
}

func TestCrosslinkRootManifestProducesMlinkRows(t *testing.T) {
	r := newTestRepo(t)
	fileRid, err := r.Store.Put([]byte("hello"), false)
	require.NoError(t, err)
	hash := r.Store.Hash(fileRid)

	rid, _ := putManifest(t, r, manifest.ManifestSpec{
		Date: "2026-01-01T00:00:00", User: "alice",
		Files: []manifest.FileCard{{Name: "a.txt", UUID: hash}},
	})

	require.Len(t, r.Mlink, 1)
	require.Equal(t, rid, r.Mlink[0].Mid)
	require.Equal(t, fileRid, r.Mlink[0].Fid)
	require.Equal(t, fileRid, r.FileAt(rid, "a.txt"))
}

func TestCrosslinkChildInheritsParentFiles(t *testing.T) {
	r := newTestRepo(t)
	f1, _ := r.Store.Put([]byte("one"), false)
	h1 := r.Store.Hash(f1)
	root, rootArt := putManifest(t, r, manifest.ManifestSpec{
		Date: "2026-01-01T00:00:00", User: "alice",
		Files: []manifest.FileCard{{Name: "a.txt", UUID: h1}},
	})
	rootHash := r.Store.Hash(root)
	_ = rootArt

	f2, _ := r.Store.Put([]byte("two"), false)
	h2 := r.Store.Hash(f2)
	child, _ := putManifest(t, r, manifest.ManifestSpec{
		Date: "2026-01-02T00:00:00", User: "alice",
		Parents: []string{rootHash},
		Files: []manifest.FileCard{
			{Name: "a.txt", UUID: h1},
			{Name: "b.txt", UUID: h2},
		},
	})

	require.Equal(t, f1, r.FileAt(child, "a.txt"))
	require.Equal(t, f2, r.FileAt(child, "b.txt"))
	require.Equal(t, []int{root}, r.Parents(child))

	var addRows int
	for _, row := range r.Mlink {
		if row.Mid == child {
			addRows++
		}
	}
	require.Equal(t, 1, addRows, "a.txt is unchanged from the parent and must not produce an mlink row")
}

func TestCrosslinkParksOnPhantomParentAndRetriesOnAvailability(t *testing.T) {
	r := newTestRepo(t)
	f1, _ := r.Store.Put([]byte("one"), false)
	h1 := r.Store.Hash(f1)
	parentRaw := manifest.BuildManifest(manifest.ManifestSpec{
		Date: "2026-01-01T00:00:00", User: "alice",
		Files: []manifest.FileCard{{Name: "a.txt", UUID: h1}},
	})
	parentHash := hashcodec.Compute(hashcodec.PolicyFamily(r.Cfg.HashPolicy), parentRaw)

	f2, _ := r.Store.Put([]byte("two"), false)
	h2 := r.Store.Hash(f2)
	childSpec := manifest.ManifestSpec{
		Date: "2026-01-02T00:00:00", User: "alice",
		Parents: []string{parentHash},
		Files: []manifest.FileCard{
			{Name: "a.txt", UUID: h1},
			{Name: "b.txt", UUID: h2},
		},
	}
	childRaw := manifest.BuildManifest(childSpec)
	childRid, err := r.Store.Put(childRaw, false)
	require.NoError(t, err)
	childArt, err := manifest.Parse(childRaw)
	require.NoError(t, err)
	require.NoError(t, r.Crosslink(childRid, childArt))

	// Not yet linked: parent manifest content unavailable.
	require.Empty(t, r.Mlink)

	parentRid, err := r.Store.Put(parentRaw, false)
	require.NoError(t, err)
	parentArt, err := manifest.Parse(parentRaw)
	require.NoError(t, err)
	require.NoError(t, r.Crosslink(parentRid, parentArt))

	require.NoError(t, r.NotifyAvailable(parentRid, func(rid int) (*manifest.Artifact, error) {
		raw, err := r.Store.Get(rid)
		require.NoError(t, err)
		return manifest.Parse(raw)
	}))

	require.Equal(t, f2, r.FileAt(childRid, "b.txt"))
}

func TestCrosslinkRenameDropsOldFnid(t *testing.T) {
	r := newTestRepo(t)
	f1, _ := r.Store.Put([]byte("content"), false)
	h1 := r.Store.Hash(f1)
	root, _ := putManifest(t, r, manifest.ManifestSpec{
		Date: "2026-01-01T00:00:00", User: "alice",
		Files: []manifest.FileCard{{Name: "old.txt", UUID: h1}},
	})
	rootHash := r.Store.Hash(root)

	child, _ := putManifest(t, r, manifest.ManifestSpec{
		Date: "2026-01-02T00:00:00", User: "alice",
		Parents: []string{rootHash},
		Files:   []manifest.FileCard{{Name: "new.txt", UUID: h1, OldName: "old.txt"}},
	})

	require.Equal(t, 0, r.FileAt(child, "old.txt"))
	require.Equal(t, f1, r.FileAt(child, "new.txt"))
}

func TestCrosslinkControlTagApplication(t *testing.T) {
	r := newTestRepo(t)
	f1, _ := r.Store.Put([]byte("content"), false)
	h1 := r.Store.Hash(f1)
	root, _ := putManifest(t, r, manifest.ManifestSpec{
		Date: "2026-01-01T00:00:00", User: "alice",
		Files: []manifest.FileCard{{Name: "a.txt", UUID: h1}},
	})
	rootHash := r.Store.Hash(root)

	ctrlRaw := manifest.BuildControl(manifest.ControlSpec{
		Date: "2026-01-03T00:00:00", User: "bob",
		Tags: []manifest.TagCard{{Kind: '*', Name: "release", Target: rootHash}},
	})
	ctrlRid, err := r.Store.Put(ctrlRaw, false)
	require.NoError(t, err)
	ctrlArt, err := manifest.Parse(ctrlRaw)
	require.NoError(t, err)
	require.NoError(t, r.Crosslink(ctrlRid, ctrlArt))

	require.Len(t, r.Tagxref, 1)
	require.Equal(t, root, r.Tagxref[0].Rid)
	require.Equal(t, TagPropagating, r.Tagxref[0].Type)
	require.Equal(t, "release", r.TagNameOf(r.Tagxref[0].TagID))
}

func TestCrosslinkTicketAccumulatesFields(t *testing.T) {
	r := newTestRepo(t)
	ticketUUID := "cccccccccccccccccccccccccccccccccccccccc"
	raw1 := fakeTicketRaw(ticketUUID, "bob", []manifest.JCard{{Field: "status", Value: "open"}})
	rid1, err := r.Store.Put(raw1, false)
	require.NoError(t, err)
	art1, err := manifest.Parse(raw1)
	require.NoError(t, err)
	require.NoError(t, r.Crosslink(rid1, art1))

	raw2 := fakeTicketRaw(ticketUUID, "bob", []manifest.JCard{{Field: "status", Value: "closed"}})
	rid2, err := r.Store.Put(raw2, false)
	require.NoError(t, err)
	art2, err := manifest.Parse(raw2)
	require.NoError(t, err)
	require.NoError(t, r.Crosslink(rid2, art2))

	require.Equal(t, "closed", r.Tickets[ticketUUID].Fields["status"])
}

func TestRepoPutFullyAvailablePathCrosslinksChild(t *testing.T) {
	r := newTestRepo(t)
	f1, err := r.Store.Put([]byte("root content"), false)
	require.NoError(t, err)
	h1 := r.Store.Hash(f1)
	rootRaw := manifest.BuildManifest(manifest.ManifestSpec{
		Date: "2026-01-01T00:00:00", User: "alice",
		Files: []manifest.FileCard{{Name: "a.txt", UUID: h1}},
	})
	rootRid, err := r.Put(rootRaw, false)
	require.NoError(t, err)
	rootHash := r.Store.Hash(rootRid)
	rootArt, err := manifest.Parse(rootRaw)
	require.NoError(t, err)
	require.NoError(t, r.Crosslink(rootRid, rootArt))

	f2, err := r.Store.Put([]byte("child content"), false)
	require.NoError(t, err)
	h2 := r.Store.Hash(f2)

	childRaw := manifest.BuildManifest(manifest.ManifestSpec{
		Date: "2026-01-02T00:00:00", User: "alice",
		Parents: []string{rootHash},
		Files: []manifest.FileCard{
			{Name: "a.txt", UUID: h1},
			{Name: "b.txt", UUID: h2},
		},
	})
	cRid, err := r.Put(childRaw, false)
	require.NoError(t, err)
	cArt, err := manifest.Parse(childRaw)
	require.NoError(t, err)

	// Parking: crosslink the child before its parent manifest has been
	// crosslinked content-wise is not exercised directly here (covered by
	// TestCrosslinkParksOnPhantomParentAndRetriesOnAvailability); this test
	// exercises the ordinary fully-available path through Repository.Put.
	require.NoError(t, r.Crosslink(cRid, cArt))
	require.Equal(t, f2, r.FileAt(cRid, "b.txt"))
}

func fakeTicketRaw(ticketUUID, user string, jcards []manifest.JCard) []byte {
	var body []byte
	body = append(body, []byte("D 2026-01-04T00:00:00\n")...)
	for _, j := range jcards {
		line := "J " + j.Field + " " + manifest.Fossilize(j.Value) + "\n"
		body = append(body, []byte(line)...)
	}
	body = append(body, []byte("K "+ticketUUID+"\n")...)
	body = append(body, []byte("U "+manifest.Fossilize(user)+"\n")...)
	sum := md5.Sum(body)
	z := "Z " + hex.EncodeToString(sum[:]) + "\n"
	return append(body, []byte(z)...)
}
