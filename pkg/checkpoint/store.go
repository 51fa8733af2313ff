package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/dysonloop/dysonloop/pkg/blockstruct"
	"github.com/dysonloop/dysonloop/pkg/mesh"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound marks a missing run or iteration.
var ErrNotFound = errors.New("checkpoint: not found")

// Store persists runs and iterations in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Config holds the store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store instance. Init must be called before use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &Store{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun records the validated input of a new run.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	meshJSON, err := json.Marshal(run.Mesh)
	if err != nil {
		return fmt.Errorf("failed to encode mesh: %w", err)
	}
	structJSON, err := json.Marshal(run.Structure)
	if err != nil {
		return fmt.Errorf("failed to encode block structure: %w", err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (id, config, mesh, structure, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		run.ID, run.Config, string(meshJSON), string(structJSON), run.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, config, mesh, structure, created_at
		FROM runs
		WHERE id = ?
	`
	return s.scanRun(s.db.QueryRowContext(ctx, query, id))
}

// LatestRun retrieves the most recently created run.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	query := `
		SELECT id, config, mesh, structure, created_at
		FROM runs
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return s.scanRun(s.db.QueryRowContext(ctx, query))
}

func (s *Store) scanRun(row *sql.Row) (*Run, error) {
	run := &Run{}
	var meshJSON, structJSON string
	err := row.Scan(&run.ID, &run.Config, &meshJSON, &structJSON, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := json.Unmarshal([]byte(meshJSON), &run.Mesh); err != nil {
		return nil, fmt.Errorf("failed to decode mesh: %w", err)
	}
	if err := json.Unmarshal([]byte(structJSON), &run.Structure); err != nil {
		return nil, fmt.Errorf("failed to decode block structure: %w", err)
	}
	return run, nil
}

// MeshGrid reconstructs the frequency grid of a run.
func (r *Run) MeshGrid() (*mesh.Mesh, error) {
	return mesh.FromSpec(r.Mesh)
}

// StructureValue reconstructs the block structure of a run.
func (r *Run) StructureValue() (*blockstruct.Structure, error) {
	return blockstruct.FromPayload(r.Structure)
}

// UpdateRunStructure replaces the persisted block structure of a run.
// Used only for the rotation-refresh case on resume; block layouts never
// change after a run was created.
func (s *Store) UpdateRunStructure(ctx context.Context, id string, structure blockstruct.Payload) error {
	structJSON, err := json.Marshal(structure)
	if err != nil {
		return fmt.Errorf("failed to encode block structure: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET structure = ? WHERE id = ?`, string(structJSON), id)
	if err != nil {
		return fmt.Errorf("failed to update block structure: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteIteration appends one iteration with its per-site payloads in a
// single transaction. Iterations are append-only: writing an existing
// (run, n) pair fails.
func (s *Store) WriteIteration(ctx context.Context, rec *IterationRecord) error {
	obsJSON, err := json.Marshal(rec.Observables)
	if err != nil {
		return fmt.Errorf("failed to encode observables: %w", err)
	}
	monJSON, err := json.Marshal(rec.Monitor)
	if err != nil {
		return fmt.Errorf("failed to encode convergence monitor: %w", err)
	}
	mixJSON, err := json.Marshal(rec.Mixers)
	if err != nil {
		return fmt.Errorf("failed to encode mixer history: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO iterations (run_id, n, mu, density, converged, observables, monitor, mixers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		rec.RunID, rec.N, rec.Mu, rec.Density, rec.Converged,
		string(obsJSON), string(monJSON), string(mixJSON), rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to append iteration: %w", err)
	}

	siteQuery := `
		INSERT INTO iteration_sites (run_id, n, site, sigma, g0, g_imp, dc_potential, dc_energy, chi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, site := range rec.Sites {
		sigmaJSON, err := json.Marshal(site.Sigma)
		if err != nil {
			return fmt.Errorf("failed to encode sigma for site %d: %w", site.Site, err)
		}
		g0JSON, err := json.Marshal(site.G0)
		if err != nil {
			return fmt.Errorf("failed to encode g0 for site %d: %w", site.Site, err)
		}
		gImpJSON, err := json.Marshal(site.GImp)
		if err != nil {
			return fmt.Errorf("failed to encode g_imp for site %d: %w", site.Site, err)
		}
		var dcJSON, chiJSON []byte
		if site.DCPotential != nil {
			if dcJSON, err = json.Marshal(site.DCPotential); err != nil {
				return fmt.Errorf("failed to encode double counting for site %d: %w", site.Site, err)
			}
		}
		if site.Chi != nil {
			if chiJSON, err = json.Marshal(site.Chi); err != nil {
				return fmt.Errorf("failed to encode chi for site %d: %w", site.Site, err)
			}
		}
		if _, err := tx.ExecContext(ctx, siteQuery,
			rec.RunID, rec.N, site.Site,
			sigmaJSON, g0JSON, gImpJSON, dcJSON, site.DCEnergy, chiJSON,
		); err != nil {
			return fmt.Errorf("failed to write site %d: %w", site.Site, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit iteration: %w", err)
	}
	return nil
}

// LastIteration loads the newest iteration of a run.
func (s *Store) LastIteration(ctx context.Context, runID string) (*IterationRecord, error) {
	query := `SELECT MAX(n) FROM iterations WHERE run_id = ?`
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, runID).Scan(&n); err != nil {
		return nil, fmt.Errorf("failed to find last iteration: %w", err)
	}
	if !n.Valid {
		return nil, ErrNotFound
	}
	return s.LoadIteration(ctx, runID, int(n.Int64))
}

// LoadIteration loads one iteration with its per-site payloads.
func (s *Store) LoadIteration(ctx context.Context, runID string, n int) (*IterationRecord, error) {
	query := `
		SELECT mu, density, converged, observables, monitor, mixers, created_at
		FROM iterations
		WHERE run_id = ? AND n = ?
	`
	rec := &IterationRecord{RunID: runID, N: n}
	var obsJSON, monJSON, mixJSON string
	err := s.db.QueryRowContext(ctx, query, runID, n).Scan(
		&rec.Mu, &rec.Density, &rec.Converged,
		&obsJSON, &monJSON, &mixJSON, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load iteration: %w", err)
	}
	if err := json.Unmarshal([]byte(obsJSON), &rec.Observables); err != nil {
		return nil, fmt.Errorf("failed to decode observables: %w", err)
	}
	if err := json.Unmarshal([]byte(monJSON), &rec.Monitor); err != nil {
		return nil, fmt.Errorf("failed to decode convergence monitor: %w", err)
	}
	if err := json.Unmarshal([]byte(mixJSON), &rec.Mixers); err != nil {
		return nil, fmt.Errorf("failed to decode mixer history: %w", err)
	}

	siteQuery := `
		SELECT site, sigma, g0, g_imp, dc_potential, dc_energy, chi
		FROM iteration_sites
		WHERE run_id = ? AND n = ?
		ORDER BY site ASC
	`
	rows, err := s.db.QueryContext(ctx, siteQuery, runID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load iteration sites: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var site SiteRecord
		var sigmaJSON, g0JSON, gImpJSON []byte
		var dcJSON, chiJSON []byte
		if err := rows.Scan(&site.Site, &sigmaJSON, &g0JSON, &gImpJSON, &dcJSON, &site.DCEnergy, &chiJSON); err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		if err := json.Unmarshal(sigmaJSON, &site.Sigma); err != nil {
			return nil, fmt.Errorf("failed to decode sigma for site %d: %w", site.Site, err)
		}
		if err := json.Unmarshal(g0JSON, &site.G0); err != nil {
			return nil, fmt.Errorf("failed to decode g0 for site %d: %w", site.Site, err)
		}
		if err := json.Unmarshal(gImpJSON, &site.GImp); err != nil {
			return nil, fmt.Errorf("failed to decode g_imp for site %d: %w", site.Site, err)
		}
		if len(dcJSON) > 0 {
			if err := json.Unmarshal(dcJSON, &site.DCPotential); err != nil {
				return nil, fmt.Errorf("failed to decode double counting for site %d: %w", site.Site, err)
			}
		}
		if len(chiJSON) > 0 {
			if err := json.Unmarshal(chiJSON, &site.Chi); err != nil {
				return nil, fmt.Errorf("failed to decode chi for site %d: %w", site.Site, err)
			}
		}
		rec.Sites = append(rec.Sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}
	return rec, nil
}

// ListIterations lists the iteration summaries of a run, oldest first.
func (s *Store) ListIterations(ctx context.Context, runID string) ([]IterationSummary, error) {
	query := `
		SELECT n, mu, density, converged, created_at
		FROM iterations
		WHERE run_id = ?
		ORDER BY n ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iterations: %w", err)
	}
	defer rows.Close()

	out := []IterationSummary{}
	for rows.Next() {
		var it IterationSummary
		if err := rows.Scan(&it.N, &it.Mu, &it.Density, &it.Converged, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating iterations: %w", err)
	}
	return out, nil
}
