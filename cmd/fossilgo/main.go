// fossilgo is a standalone command exercising the repository core against
// an in-memory artifact store: building portable patches, and
// deconstructing and reconstructing an artifact store.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/gofossil/fossilgo/internal/config"
	"github.com/gofossil/fossilgo/internal/patch"
	"github.com/gofossil/fossilgo/internal/rebuild"
	"github.com/gofossil/fossilgo/internal/repo"
	"github.com/gofossil/fossilgo/internal/store"
	"github.com/gofossil/fossilgo/internal/version"
)

var (
	app        = kingpin.New("fossilgo", "A content-addressed, distributed version-control core.")
	configFile = app.Flag("config", "Config file for fossilgo.").Short('c').String()
	debug      = app.Flag("debug", "Enable debugging level.").Int()

	patchCmd       = app.Command("patch", "Create a portable patch database.")
	patchCreate    = patchCmd.Command("create", "Build a patch database from a directory of changes.")
	patchCreateDir = patchCreate.Arg("dir", "Directory whose files become the patch's content.").Required().String()
	patchCreateOut = patchCreate.Arg("out", "Patch file to write.").Required().String()

	deconstructCmd = app.Command("deconstruct", "Export an artifact store to a directory tree.")
	deconstructDir = deconstructCmd.Arg("destdir", "Destination directory.").Required().String()

	reconstructCmd = app.Command("reconstruct", "Rebuild an artifact store and its index from a directory tree.")
	reconstructDir = reconstructCmd.Arg("srcdir", "Source directory produced by deconstruct.").Required().String()
)

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	return logger
}

func loadConfig(logger *logrus.Logger) *config.Config {
	if *configFile == "" {
		cfg, _ := config.Unmarshal(nil)
		return cfg
	}
	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("fossilgo")).Author("fossilgo contributors")
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := newLogger()
	cfg := loadConfig(logger)
	st := store.New(logger, cfg)
	r := repo.New(logger, cfg, st)

	switch cmd {
	case deconstructCmd.FullCommand():
		if err := rebuild.Deconstruct(st, *deconstructDir, 2, false); err != nil {
			logger.Fatalf("deconstruct: %v", err)
		}
	case reconstructCmd.FullCommand():
		if err := rebuild.Reconstruct(logger, st, r, *reconstructDir); err != nil {
			logger.Fatalf("reconstruct: %v", err)
		}
		fmt.Fprintf(os.Stdout, "reconstructed %d artifacts, %d mlink rows\n", len(st.AllRids()), len(r.Mlink))
	case patchCreate.FullCommand():
		if err := runPatchCreate(logger, st, *patchCreateDir, *patchCreateOut); err != nil {
			logger.Fatalf("patch create: %v", err)
		}
	}
}

func runPatchCreate(logger *logrus.Logger, st *store.Store, dir, out string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var changes []patch.FileChange
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(dir + string(os.PathSeparator) + e.Name())
		if err != nil {
			return err
		}
		changes = append(changes, patch.FileChange{Path: e.Name(), Content: content})
	}
	c, err := patch.Create(logger, patch.Config{}, changes, st, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Write(out)
}
