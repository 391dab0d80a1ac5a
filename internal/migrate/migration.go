// Package migrate applies the versioned PostgreSQL schema and optional seed
// files. Migrations are pairs of NNNN_name.up.sql / NNNN_name.down.sql files.
package migrate

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"time"
)

//go:embed sql/*.sql
var embedded embed.FS

// Embedded returns the schema migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var (
	// ErrChecksumMismatch reports an applied migration whose file changed afterwards.
	ErrChecksumMismatch = errors.New("migrate: applied migration was modified")
	// ErrNoDown reports a rollback of a migration without a down file.
	ErrNoDown = errors.New("migrate: missing down migration")
)

var fileRe = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one versioned schema change.
type Migration struct {
	Version  int64
	Name     string
	UpPath   string
	DownPath string
	Checksum string
}

// Entry is one row of Status output.
type Entry struct {
	Migration
	AppliedAt *time.Time
	Modified  bool
}

// Load reads and pairs every migration file in fsys, ordered by version.
func Load(fsys fs.FS) ([]Migration, error) {
	byVersion := make(map[int64]*Migration)
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		m := fileRe.FindStringSubmatch(path.Base(p))
		if m == nil {
			return nil
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return fmt.Errorf("migrate: bad version in %s: %w", p, err)
		}
		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		} else if mig.Name != m[2] {
			return fmt.Errorf("migrate: version %d used by %q and %q", version, mig.Name, m[2])
		}
		if m[3] == "up" {
			data, err := fs.ReadFile(fsys, p)
			if err != nil {
				return err
			}
			mig.UpPath = p
			mig.Checksum = checksum(data)
		} else {
			mig.DownPath = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpPath == "" {
			return nil, fmt.Errorf("migrate: version %d (%s) has no up file", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
