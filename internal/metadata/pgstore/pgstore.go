// Package pgstore keeps deepfreeze metadata in PostgreSQL. Schema changes
// ship as embedded golang-migrate migrations applied by Init.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	dferrors "github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds connection settings
type Config struct {
	DSN      string
	MaxConns int32
}

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a metadata.Store over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

var _ metadata.Store = (*Store)(nil)

// Connect opens a pool and pings the server.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, dferrors.Wrap(err, dferrors.ErrCodeConfiguration, "invalid postgres dsn").WithComponent("metadata")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, metadata.StoreError(err, "connect", "postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, metadata.StoreError(err, "connect", "postgres")
	}

	logger.Info("Connected to PostgreSQL metadata store",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database))

	return &Store{pool: pool, dsn: cfg.DSN, logger: logger}, nil
}

// Init applies pending migrations.
func (s *Store) Init(ctx context.Context) error {
	return Migrate(s.dsn, s.logger)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return metadata.StoreError(err, "migrate", "postgres")
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return metadata.StoreError(err, "migrate", "postgres")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return metadata.StoreError(err, "migrate", "postgres")
	}

	version, dirty, _ := m.Version()
	if logger != nil {
		logger.Debug("Migrations applied", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}

// migrateURL switches a postgres:// URL to the pgx5 driver scheme.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme)
		}
	}
	return dsn
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *Store) runInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return metadata.StoreError(err, "begin", "postgres")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return metadata.StoreError(err, "commit", "postgres")
	}
	return nil
}

func (s *Store) GetSettings(ctx context.Context) (*types.Settings, error) {
	settings := &types.Settings{}
	err := s.pool.QueryRow(ctx, `SELECT body FROM settings WHERE id = 1`).Scan(settings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metadata.NotFound("settings", "settings")
	}
	if err != nil {
		return nil, metadata.StoreError(err, "get_settings", "settings")
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings *types.Settings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (id, body, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		settings)
	if err != nil {
		return metadata.StoreError(err, "save_settings", "settings")
	}
	return nil
}

const repositoryColumns = `id, name, container, base_path, provider, storage_class, status,
	mounted, created_at, start_date, end_date, unmount_requested_at, version`

func scanRepository(row pgx.Row) (*types.Repository, error) {
	r := &types.Repository{}
	var status string
	err := row.Scan(&r.ID, &r.Name, &r.Container, &r.BasePath, &r.Provider, &r.StorageClass, &status,
		&r.Mounted, &r.CreatedAt, &r.StartDate, &r.EndDate, &r.UnmountRequestedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Status = types.RepositoryStatus(status)
	return r, nil
}

func (s *Store) CreateRepository(ctx context.Context, r *types.Repository) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repositories (`+repositoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		r.ID, r.Name, r.Container, r.BasePath, r.Provider, r.StorageClass, string(r.Status),
		r.Mounted, r.CreatedAt, r.StartDate, r.EndDate, r.UnmountRequestedAt)
	if isUniqueViolation(err) {
		return metadata.NameConflict(r.Name)
	}
	if err != nil {
		return metadata.StoreError(err, "create_repository", r.ID)
	}
	r.Version = 1
	return nil
}

// updateRepository writes r when its version still matches.
func updateRepository(ctx context.Context, db DBTX, r *types.Repository) error {
	tag, err := db.Exec(ctx, `
		UPDATE repositories SET
			name = $3, container = $4, base_path = $5, provider = $6, storage_class = $7,
			status = $8, mounted = $9, created_at = $10, start_date = $11, end_date = $12,
			unmount_requested_at = $13, version = version + 1
		WHERE id = $1 AND version = $2`,
		r.ID, r.Version, r.Name, r.Container, r.BasePath, r.Provider, r.StorageClass,
		string(r.Status), r.Mounted, r.CreatedAt, r.StartDate, r.EndDate, r.UnmountRequestedAt)
	if err != nil {
		return metadata.StoreError(err, "update_repository", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, db, "repositories", "repository", r.ID, r.Version)
	}
	r.Version++
	return nil
}

func missingOrStale(ctx context.Context, db DBTX, table, kind, id string, version int64) error {
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return metadata.StoreError(err, "update_"+strings.ReplaceAll(kind, " ", "_"), id)
	}
	if !exists {
		return metadata.NotFound(kind, id)
	}
	return metadata.VersionConflict(kind, id, version)
}

func (s *Store) UpdateRepository(ctx context.Context, r *types.Repository) error {
	return updateRepository(ctx, s.pool, r)
}

func (s *Store) GetRepository(ctx context.Context, id string) (*types.Repository, error) {
	r, err := scanRepository(s.pool.QueryRow(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metadata.NotFound("repository", id)
	}
	if err != nil {
		return nil, metadata.StoreError(err, "get_repository", id)
	}
	return r, nil
}

func (s *Store) GetRepositoryByName(ctx context.Context, name string) (*types.Repository, error) {
	r, err := scanRepository(s.pool.QueryRow(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metadata.NotFound("repository", name)
	}
	if err != nil {
		return nil, metadata.StoreError(err, "get_repository", name)
	}
	return r, nil
}

func (s *Store) ListRepositories(ctx context.Context, filter metadata.RepositoryFilter) ([]*types.Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE true`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += ` AND status = ANY($1)`
	}
	if filter.Mounted != nil {
		args = append(args, *filter.Mounted)
		query += ` AND mounted = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at, name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, metadata.StoreError(err, "list_repositories", "")
	}
	defer rows.Close()

	var out []*types.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, metadata.StoreError(err, "list_repositories", "")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, metadata.StoreError(err, "list_repositories", "")
	}
	return out, nil
}

func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "repositories", "repository", id)
}

func (s *Store) deleteByID(ctx context.Context, table, kind, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return metadata.StoreError(err, "delete_"+strings.ReplaceAll(kind, " ", "_"), id)
	}
	if tag.RowsAffected() == 0 {
		return metadata.NotFound(kind, id)
	}
	return nil
}

const thawColumns = `id, repository_id, requested_at, start_date, end_date, status, provider_job_ref,
	completed_at, expires_at, refrozen_at, failure_reason, version`

func scanThawRequest(row pgx.Row) (*types.ThawRequest, error) {
	t := &types.ThawRequest{}
	var status string
	err := row.Scan(&t.ID, &t.RepositoryID, &t.RequestedAt, &t.StartDate, &t.EndDate, &status, &t.ProviderJobRef,
		&t.CompletedAt, &t.ExpiresAt, &t.RefrozenAt, &t.FailureReason, &t.Version)
	if err != nil {
		return nil, err
	}
	t.Status = types.ThawStatus(status)
	return t, nil
}

func (s *Store) CreateThawRequest(ctx context.Context, t *types.ThawRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thaw_requests (`+thawColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)`,
		t.ID, t.RepositoryID, t.RequestedAt, t.StartDate, t.EndDate, string(t.Status), t.ProviderJobRef,
		t.CompletedAt, t.ExpiresAt, t.RefrozenAt, t.FailureReason)
	if isUniqueViolation(err) {
		return metadata.VersionConflict("thaw request", t.ID, 0)
	}
	if err != nil {
		return metadata.StoreError(err, "create_thaw_request", t.ID)
	}
	t.Version = 1
	return nil
}

func (s *Store) UpdateThawRequest(ctx context.Context, t *types.ThawRequest) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE thaw_requests SET
			repository_id = $3, requested_at = $4, start_date = $5, end_date = $6, status = $7,
			provider_job_ref = $8, completed_at = $9, expires_at = $10, refrozen_at = $11,
			failure_reason = $12, version = version + 1
		WHERE id = $1 AND version = $2`,
		t.ID, t.Version, t.RepositoryID, t.RequestedAt, t.StartDate, t.EndDate, string(t.Status),
		t.ProviderJobRef, t.CompletedAt, t.ExpiresAt, t.RefrozenAt, t.FailureReason)
	if err != nil {
		return metadata.StoreError(err, "update_thaw_request", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, s.pool, "thaw_requests", "thaw request", t.ID, t.Version)
	}
	t.Version++
	return nil
}

func (s *Store) GetThawRequest(ctx context.Context, id string) (*types.ThawRequest, error) {
	t, err := scanThawRequest(s.pool.QueryRow(ctx, `SELECT `+thawColumns+` FROM thaw_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metadata.NotFound("thaw request", id)
	}
	if err != nil {
		return nil, metadata.StoreError(err, "get_thaw_request", id)
	}
	return t, nil
}

func (s *Store) ListThawRequests(ctx context.Context, filter metadata.ThawFilter) ([]*types.ThawRequest, error) {
	query := `SELECT ` + thawColumns + ` FROM thaw_requests WHERE true`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += ` AND status = ANY($1)`
	}
	if filter.RepositoryID != "" {
		args = append(args, filter.RepositoryID)
		query += ` AND repository_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY requested_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, metadata.StoreError(err, "list_thaw_requests", "")
	}
	defer rows.Close()

	var out []*types.ThawRequest
	for rows.Next() {
		t, err := scanThawRequest(rows)
		if err != nil {
			return nil, metadata.StoreError(err, "list_thaw_requests", "")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, metadata.StoreError(err, "list_thaw_requests", "")
	}
	return out, nil
}

func (s *Store) DeleteThawRequest(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "thaw_requests", "thaw request", id)
}

func (s *Store) ListPolicyBindings(ctx context.Context) ([]types.ILMPolicyBinding, error) {
	rows, err := s.pool.Query(ctx, `SELECT policy_name, current_repository_id FROM policy_bindings ORDER BY policy_name`)
	if err != nil {
		return nil, metadata.StoreError(err, "list_policy_bindings", "")
	}
	defer rows.Close()

	out := []types.ILMPolicyBinding{}
	for rows.Next() {
		var b types.ILMPolicyBinding
		if err := rows.Scan(&b.PolicyName, &b.CurrentRepositoryID); err != nil {
			return nil, metadata.StoreError(err, "list_policy_bindings", "")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, metadata.StoreError(err, "list_policy_bindings", "")
	}
	return out, nil
}

func savePolicyBinding(ctx context.Context, db DBTX, b types.ILMPolicyBinding) error {
	_, err := db.Exec(ctx, `
		INSERT INTO policy_bindings (policy_name, current_repository_id) VALUES ($1, $2)
		ON CONFLICT (policy_name) DO UPDATE SET current_repository_id = EXCLUDED.current_repository_id`,
		b.PolicyName, b.CurrentRepositoryID)
	if err != nil {
		return metadata.StoreError(err, "save_policy_binding", b.PolicyName)
	}
	return nil
}

func (s *Store) SavePolicyBinding(ctx context.Context, b types.ILMPolicyBinding) error {
	return savePolicyBinding(ctx, s.pool, b)
}

func (s *Store) DeletePolicyBinding(ctx context.Context, policyName string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM policy_bindings WHERE policy_name = $1`, policyName); err != nil {
		return metadata.StoreError(err, "delete_policy_binding", policyName)
	}
	return nil
}

// CommitRotation applies the whole write set in one transaction.
func (s *Store) CommitRotation(ctx context.Context, c metadata.RotationCommit) error {
	activated := *c.Activated
	var retired *types.Repository
	if c.Retired != nil {
		cp := *c.Retired
		retired = &cp
	}

	start := time.Now()
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		if err := updateRepository(ctx, tx, &activated); err != nil {
			return err
		}
		if retired != nil {
			if err := updateRepository(ctx, tx, retired); err != nil {
				return err
			}
		}
		for _, b := range c.Bindings {
			if err := savePolicyBinding(ctx, tx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.Activated.Version = activated.Version
	if retired != nil {
		c.Retired.Version = retired.Version
	}
	s.logger.Debug("Rotation committed",
		slog.String("activated", activated.Name),
		slog.Duration("duration", time.Since(start)))
	return nil
}
