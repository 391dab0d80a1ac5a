package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// advisoryLockKey serializes concurrent migrate runs against one database.
	advisoryLockKey int64 = 0x74676d6967
)

// Manager applies migrations and seeds over a single locked connection.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	logger          *zap.Logger
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the bookkeeping table for migrations.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the bookkeeping table for seeds.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithSeeds sets the file system seed files are read from.
func WithSeeds(seeds fs.FS) Option {
	return func(m *Manager) { m.seeds = seeds }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager. A nil migrations FS selects Embedded().
func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	if migrations == nil {
		migrations = Embedded()
	}
	m := &Manager{
		db:              db,
		migrations:      migrations,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		logger:          zap.NewNop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type applied struct {
	checksum  string
	appliedAt time.Time
}

// Up applies every pending migration in version order, each in its own
// transaction together with its bookkeeping row. It refuses to run when an
// already applied file has been modified.
func (m *Manager) Up(ctx context.Context) ([]Migration, error) {
	all, err := Load(m.migrations)
	if err != nil {
		return nil, err
	}
	var done []Migration
	err = m.locked(ctx, func(conn *sql.Conn) error {
		state, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if rec, ok := state[mig.Version]; ok {
				if rec.checksum != mig.Checksum {
					return fmt.Errorf("%w: %d_%s", ErrChecksumMismatch, mig.Version, mig.Name)
				}
				continue
			}
			insert := fmt.Sprintf(`insert into %s (version, name, checksum, applied_at) values ($1, $2, $3, $4)`, m.migrationsTable)
			if err := m.run(ctx, conn, m.migrations, mig.UpPath, insert, mig.Version, mig.Name, mig.Checksum, m.now().UTC()); err != nil {
				return fmt.Errorf("apply migration %d_%s: %w", mig.Version, mig.Name, err)
			}
			m.logger.Info("migration applied", zap.Int64("version", mig.Version), zap.String("name", mig.Name))
			done = append(done, mig)
		}
		return nil
	})
	return done, err
}

// Down rolls back the latest steps applied migrations, newest first.
func (m *Manager) Down(ctx context.Context, steps int) ([]Migration, error) {
	if steps <= 0 {
		steps = 1
	}
	all, err := Load(m.migrations)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]Migration, len(all))
	for _, mig := range all {
		byVersion[mig.Version] = mig
	}

	var undone []Migration
	err = m.locked(ctx, func(conn *sql.Conn) error {
		state, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(state))
		for v := range state {
			versions = append(versions, v)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
		if len(versions) == 0 {
			return errors.New("migrate: no migrations applied")
		}
		for _, v := range versions[:min(steps, len(versions))] {
			mig, ok := byVersion[v]
			if !ok || mig.DownPath == "" {
				return fmt.Errorf("%w: version %d", ErrNoDown, v)
			}
			del := fmt.Sprintf(`delete from %s where version = $1`, m.migrationsTable)
			if err := m.run(ctx, conn, m.migrations, mig.DownPath, del, v); err != nil {
				return fmt.Errorf("rollback migration %d_%s: %w", v, mig.Name, err)
			}
			m.logger.Info("migration rolled back", zap.Int64("version", v), zap.String("name", mig.Name))
			undone = append(undone, mig)
		}
		return nil
	})
	return undone, err
}

// Status lists every known migration with its applied time, if any.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	all, err := Load(m.migrations)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = m.locked(ctx, func(conn *sql.Conn) error {
		state, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range all {
			e := Entry{Migration: mig}
			if rec, ok := state[mig.Version]; ok {
				at := rec.appliedAt
				e.AppliedAt = &at
				e.Modified = rec.checksum != mig.Checksum
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Seed applies seed files not applied before, in lexical order.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	files, err := seedFiles(m.seeds)
	if err != nil {
		return 0, err
	}
	n := 0
	err = m.locked(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.seedsTable))
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			seen[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, p := range files {
			name := path.Base(p)
			if seen[name] {
				continue
			}
			insert := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.seedsTable)
			if err := m.run(ctx, conn, m.seeds, p, insert, name, m.now().UTC()); err != nil {
				return fmt.Errorf("apply seed %s: %w", name, err)
			}
			m.logger.Info("seed applied", zap.String("name", name))
			n++
		}
		return nil
	})
	return n, err
}

// locked runs fn on a dedicated connection holding the migrate advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
			m.logger.Warn("release migrate lock", zap.Error(err))
		}
	}()

	if err := m.ensureTables(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	ddl := []string{
		fmt.Sprintf(`create table if not exists %s (
			version    bigint primary key,
			name       text not null,
			checksum   text not null,
			applied_at timestamptz not null default now()
		)`, m.migrationsTable),
		fmt.Sprintf(`create table if not exists %s (
			name       text primary key,
			applied_at timestamptz not null default now()
		)`, m.seedsTable),
	}
	for _, stmt := range ddl {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure bookkeeping tables: %w", err)
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, conn *sql.Conn) (map[int64]applied, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select version, checksum, applied_at from %s`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]applied)
	for rows.Next() {
		var (
			v   int64
			rec applied
		)
		if err := rows.Scan(&v, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, err
		}
		out[v] = rec
	}
	return out, rows.Err()
}

// run executes the script at name and the bookkeeping statement in one transaction.
func (m *Manager) run(ctx context.Context, conn *sql.Conn, fsys fs.FS, name, record string, args ...any) error {
	script, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(script)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func seedFiles(fsys fs.FS) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var out []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(p, ".sql") {
			out = append(out, p)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	sort.Strings(out)
	return out, err
}
