package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/store/migrations"
)

// Postgres is the production Store backed by a pgx connection pool.
// Concurrency safety for the reconciliation jobs comes from row claiming:
// Claim selects with FOR UPDATE SKIP LOCKED and stamps a lease timestamp
// in the same statement, so replicas partition work without coordination.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects, pings and applies pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate applies embedded schema files in lexical order, tracking applied
// versions in schema_migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	entries, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(entries)
	for _, name := range entries {
		var applied bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		body, err := migrations.Files.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

const instanceColumns = `id, provider, zone, instance_type, model_id, provider_instance_id, ip_address,
status, created_at, boot_started_at, ready_at, failed_at, terminated_at, archived_at,
error_code, error_message, retry_count, health_check_failures, last_health_check, last_reconciliation,
deletion_reason, deleted_by_provider, is_archived,
worker_last_heartbeat, worker_status, worker_model_id, worker_health_port, worker_inference_port,
worker_queue_depth, worker_gpu_utilization, worker_metadata`

func scanInstance(row pgx.Row) (*models.Instance, error) {
	var inst models.Instance
	var meta []byte
	err := row.Scan(
		&inst.ID, &inst.Provider, &inst.Zone, &inst.InstanceType, &inst.ModelID,
		&inst.ProviderInstanceID, &inst.IPAddress,
		&inst.Status, &inst.CreatedAt, &inst.BootStartedAt, &inst.ReadyAt,
		&inst.FailedAt, &inst.TerminatedAt, &inst.ArchivedAt,
		&inst.ErrorCode, &inst.ErrorMessage, &inst.RetryCount, &inst.HealthCheckFailures,
		&inst.LastHealthCheck, &inst.LastReconciliation,
		&inst.DeletionReason, &inst.DeletedByProvider, &inst.IsArchived,
		&inst.Worker.LastHeartbeat, &inst.Worker.Status, &inst.Worker.ModelID,
		&inst.Worker.HealthPort, &inst.Worker.InferencePort,
		&inst.Worker.QueueDepth, &inst.Worker.GPUUtilization, &meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &inst.Worker.Metadata); err != nil {
			return nil, fmt.Errorf("worker_metadata: %w", err)
		}
	}
	return &inst, nil
}

func collectInstances(rows pgx.Rows) ([]*models.Instance, error) {
	defer rows.Close()
	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateInstance(ctx context.Context, inst *models.Instance) error {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO instances (id, provider, zone, instance_type, model_id, provider_instance_id,
			ip_address, status, created_at, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		inst.ID, inst.Provider, inst.Zone, inst.InstanceType, inst.ModelID,
		inst.ProviderInstanceID, inst.IPAddress, inst.Status, inst.CreatedAt, inst.RetryCount)
	return err
}

func (p *Postgres) GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=$1`, id)
	return scanInstance(row)
}

func (p *Postgres) GetInstanceByProviderID(ctx context.Context, providerInstanceID string) (*models.Instance, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE provider_instance_id=$1 AND provider_instance_id<>''`,
		providerInstanceID)
	return scanInstance(row)
}

func (p *Postgres) ListInstancesByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM instances`
	args := []any{}
	if len(statuses) > 0 {
		q += ` WHERE status = ANY($1)`
		args = append(args, statusStrings(statuses))
	}
	q += ` ORDER BY created_at`
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Transition runs the guarded CAS and the history append in one
// transaction. The status predicate in the UPDATE is the guard: zero rows
// affected means another actor moved the instance first.
func (p *Postgres) Transition(ctx context.Context, t Transition) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	set := []string{"status = $3"}
	switch t.To {
	case models.StatusBooting:
		set = append(set, "boot_started_at = COALESCE(boot_started_at, now())")
	case models.StatusReady:
		set = append(set, "ready_at = COALESCE(ready_at, now())", "health_check_failures = 0")
	case models.StatusProvisioningFailed, models.StatusStartupFailed, models.StatusFailed:
		set = append(set, "failed_at = COALESCE(failed_at, now())")
	case models.StatusTerminated:
		set = append(set, "terminated_at = COALESCE(terminated_at, now())")
	case models.StatusArchived:
		set = append(set, "archived_at = COALESCE(archived_at, now())", "is_archived = TRUE")
	}
	args := []any{t.InstanceID, string(t.From), string(t.To)}
	if t.ErrorCode != "" {
		args = append(args, t.ErrorCode)
		set = append(set, fmt.Sprintf("error_code = CASE WHEN error_code='' THEN $%d ELSE error_code END", len(args)))
	}
	if t.ErrorMessage != "" {
		args = append(args, t.ErrorMessage)
		set = append(set, fmt.Sprintf("error_message = CASE WHEN error_message='' THEN $%d ELSE error_message END", len(args)))
	}
	if t.DeletionReason != "" {
		args = append(args, t.DeletionReason)
		set = append(set, fmt.Sprintf("deletion_reason = $%d", len(args)))
	}
	if t.DeletedByProvider {
		set = append(set, "deleted_by_provider = TRUE")
	}
	if t.ResetBootStartedAt {
		set = append(set,
			"boot_started_at = now()",
			"failed_at = NULL",
			"error_code = ''",
			"error_message = ''",
			"health_check_failures = 0")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE instances SET `+strings.Join(set, ", ")+` WHERE id = $1 AND status = $2`,
		args...)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM instances WHERE id=$1)`, t.InstanceID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	var meta []byte
	if len(t.Metadata) > 0 {
		meta, err = json.Marshal(t.Metadata)
		if err != nil {
			return false, err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO instance_state_history (instance_id, from_status, to_status, reason, metadata)
		VALUES ($1,$2,$3,$4,$5)`,
		t.InstanceID, string(t.From), string(t.To), t.Reason, meta); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Claim selects due rows with FOR UPDATE SKIP LOCKED and stamps the lease
// column in the same statement, returning the rows as claimed.
func (p *Postgres) Claim(ctx context.Context, spec ClaimSpec) ([]*models.Instance, error) {
	lease := leaseColumn(spec.Lease)

	where := []string{
		"status = ANY($1)",
		fmt.Sprintf("(%s IS NULL OR %s < now() - ($2 * interval '1 second'))", lease, lease),
	}
	args := []any{statusStrings(spec.Statuses), spec.LeaseOlderThan.Seconds()}
	if spec.MinAge > 0 {
		args = append(args, spec.MinAge.Seconds())
		where = append(where, fmt.Sprintf("created_at < now() - ($%d * interval '1 second')", len(args)))
	}
	if spec.RequireProviderID != nil {
		if *spec.RequireProviderID {
			where = append(where, "provider_instance_id <> ''")
		} else {
			where = append(where, "provider_instance_id = ''")
		}
	}
	if spec.RequireNotFailed {
		where = append(where, "failed_at IS NULL")
	}
	if spec.MaxRetryCount > 0 {
		args = append(args, spec.MaxRetryCount)
		where = append(where, fmt.Sprintf("retry_count < $%d", len(args)))
	}
	args = append(args, spec.Limit)
	limitParam := len(args)

	setClause := lease + " = now()"
	if spec.BumpRetry {
		setClause += ", retry_count = retry_count + 1"
	}

	q := fmt.Sprintf(`
		WITH due AS (
			SELECT id FROM instances
			WHERE %s
			ORDER BY %s ASC NULLS FIRST, created_at ASC
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		UPDATE instances i SET %s
		FROM due WHERE i.id = due.id
		RETURNING %s`,
		strings.Join(where, " AND "), lease, limitParam, setClause,
		prefixColumns("i.", instanceColumns))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func leaseColumn(f LeaseField) string {
	if f == LeaseHealthCheck {
		return "last_health_check"
	}
	return "last_reconciliation"
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func (p *Postgres) ReleaseClaim(ctx context.Context, id uuid.UUID, lease LeaseField) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE instances SET `+leaseColumn(lease)+` = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) BumpRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`UPDATE instances SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count`,
		id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

func (p *Postgres) SetProviderInstance(ctx context.Context, id uuid.UUID, providerInstanceID, ip string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE instances SET provider_instance_id = $2,
			ip_address = CASE WHEN ip_address='' THEN $3 ELSE ip_address END
		WHERE id = $1`, id, providerInstanceID, ip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetIPAddress(ctx context.Context, id uuid.UUID, ip string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE instances SET ip_address = $2 WHERE id = $1 AND ip_address = ''`, id, ip)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM instances WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *Postgres) RecordInstanceError(ctx context.Context, id uuid.UUID, code, message string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE instances SET
			error_code = CASE WHEN error_code='' THEN $2 ELSE error_code END,
			error_message = CASE WHEN error_message='' THEN $3 ELSE error_message END
		WHERE id = $1`, id, code, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetHealthCheckFailures(ctx context.Context, id uuid.UUID, failures int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE instances SET health_check_failures = $2 WHERE id = $1`, id, failures)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RecordHeartbeat(ctx context.Context, id uuid.UUID, report WorkerReport) (bool, error) {
	set := []string{"worker_last_heartbeat = now()"}
	args := []any{id}
	if report.Status != "" {
		args = append(args, string(report.Status))
		set = append(set, fmt.Sprintf("worker_status = $%d", len(args)))
	}
	if report.ModelID != "" {
		args = append(args, report.ModelID)
		set = append(set, fmt.Sprintf("worker_model_id = $%d", len(args)))
	}
	if report.QueueDepth != nil {
		args = append(args, *report.QueueDepth)
		set = append(set, fmt.Sprintf("worker_queue_depth = $%d", len(args)))
	}
	if report.GPUUtilization != nil {
		args = append(args, *report.GPUUtilization)
		set = append(set, fmt.Sprintf("worker_gpu_utilization = $%d", len(args)))
	}
	if report.Metadata != nil {
		meta, err := json.Marshal(report.Metadata)
		if err != nil {
			return false, err
		}
		args = append(args, meta)
		set = append(set, fmt.Sprintf("worker_metadata = $%d", len(args)))
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE instances SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

func (p *Postgres) RegisterWorker(ctx context.Context, id uuid.UUID, reg WorkerRegistration) (bool, error) {
	var meta []byte
	if reg.Metadata != nil {
		var err error
		if meta, err = json.Marshal(reg.Metadata); err != nil {
			return false, err
		}
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE instances SET
			worker_last_heartbeat = now(),
			worker_status = $2,
			worker_model_id = CASE WHEN $3='' THEN worker_model_id ELSE $3 END,
			worker_health_port = CASE WHEN $4=0 THEN worker_health_port ELSE $4 END,
			worker_inference_port = CASE WHEN $5=0 THEN worker_inference_port ELSE $5 END,
			worker_metadata = COALESCE($6, worker_metadata)
		WHERE id = $1`,
		id, string(models.WorkerStarting), reg.ModelID, reg.HealthPort, reg.InferencePort, meta)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, ErrEndpointConflict
		}
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

func (p *Postgres) ListRoutable(ctx context.Context, modelID string, staleness time.Duration, limit int) ([]*models.Instance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = 'ready'
		  AND (worker_status = '' OR worker_status = 'ready')
		  AND ($1 = ''
			OR lower(worker_model_id) = lower($1)
			OR (worker_model_id = '' AND lower(model_id) = lower($1)))
		  AND GREATEST(worker_last_heartbeat, last_health_check)
			>= now() - ($2 * interval '1 second')
		ORDER BY worker_queue_depth ASC,
			GREATEST(worker_last_heartbeat, last_health_check) DESC,
			created_at DESC
		LIMIT $3`,
		modelID, staleness.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func (p *Postgres) History(ctx context.Context, id uuid.UUID) ([]models.StateTransition, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, instance_id, from_status, to_status, reason, metadata, created_at
		FROM instance_state_history WHERE instance_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StateTransition
	for rows.Next() {
		var st models.StateTransition
		var meta []byte
		if err := rows.Scan(&st.ID, &st.InstanceID, &st.FromStatus, &st.ToStatus,
			&st.Reason, &meta, &st.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &st.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordAction(ctx context.Context, id uuid.UUID, action models.Action, success bool, detail string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO instance_actions (instance_id, action, success, detail)
		VALUES ($1,$2,$3,$4)`, id, string(action), success, detail)
	return err
}

func (p *Postgres) CompletedActions(ctx context.Context, id uuid.UUID) ([]models.Action, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT action FROM instance_actions
		WHERE instance_id = $1 AND success
		GROUP BY action ORDER BY min(id)`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Action
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, models.Action(a))
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertVolume(ctx context.Context, v *models.Volume) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO instance_volumes (id, instance_id, provider_volume_id, volume_type, size_bytes,
			is_boot, delete_on_terminate, status, error_message, attached_at, reconciled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (instance_id, provider_volume_id) DO UPDATE SET
			volume_type = EXCLUDED.volume_type,
			size_bytes = EXCLUDED.size_bytes,
			delete_on_terminate = EXCLUDED.delete_on_terminate,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			reconciled_at = EXCLUDED.reconciled_at`,
		v.ID, v.InstanceID, v.ProviderVolumeID, v.VolumeType, v.SizeBytes,
		v.IsBoot, v.DeleteOnTerminate, string(v.Status), v.ErrorMessage,
		v.AttachedAt, v.ReconciledAt)
	return err
}

func (p *Postgres) ListVolumes(ctx context.Context, instanceID uuid.UUID) ([]*models.Volume, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, instance_id, provider_volume_id, volume_type, size_bytes, is_boot,
			delete_on_terminate, status, error_message, created_at, attached_at, deleted_at, reconciled_at
		FROM instance_volumes WHERE instance_id = $1 ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Volume
	for rows.Next() {
		var v models.Volume
		if err := rows.Scan(&v.ID, &v.InstanceID, &v.ProviderVolumeID, &v.VolumeType,
			&v.SizeBytes, &v.IsBoot, &v.DeleteOnTerminate, &v.Status, &v.ErrorMessage,
			&v.CreatedAt, &v.AttachedAt, &v.DeletedAt, &v.ReconciledAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkVolumeDeleted(ctx context.Context, volumeID uuid.UUID) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE instance_volumes SET status = 'deleted', deleted_at = now()
		WHERE id = $1 AND status <> 'deleted'`, volumeID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM instance_volumes WHERE id=$1)`, volumeID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) CreateWorkerToken(ctx context.Context, tok *models.WorkerAuthToken) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO worker_auth_tokens (instance_id, token_hash, token_prefix)
		VALUES ($1,$2,$3)
		ON CONFLICT (instance_id) DO NOTHING`,
		tok.InstanceID, tok.TokenHash, tok.TokenPrefix)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) GetWorkerToken(ctx context.Context, instanceID uuid.UUID) (*models.WorkerAuthToken, error) {
	var tok models.WorkerAuthToken
	err := p.pool.QueryRow(ctx, `
		SELECT instance_id, token_hash, token_prefix, created_at, last_seen_at, revoked_at
		FROM worker_auth_tokens WHERE instance_id = $1 AND revoked_at IS NULL`, instanceID).
		Scan(&tok.InstanceID, &tok.TokenHash, &tok.TokenPrefix, &tok.CreatedAt,
			&tok.LastSeenAt, &tok.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (p *Postgres) TouchWorkerToken(ctx context.Context, instanceID uuid.UUID) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE worker_auth_tokens SET last_seen_at = now() WHERE instance_id = $1`, instanceID)
	return err
}

func (p *Postgres) RevokeWorkerToken(ctx context.Context, instanceID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE worker_auth_tokens SET revoked_at = now()
		WHERE instance_id = $1 AND revoked_at IS NULL`, instanceID)
	return err
}

func (p *Postgres) UpsertInstanceType(ctx context.Context, t models.InstanceType) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO instance_types (provider, code, name, cost_per_hour, cpu_count, ram_gb,
			gpu_count, vram_per_gpu_gb, bandwidth_bps, is_active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT (provider, code) DO UPDATE SET
			name = EXCLUDED.name,
			cost_per_hour = EXCLUDED.cost_per_hour,
			cpu_count = EXCLUDED.cpu_count,
			ram_gb = EXCLUDED.ram_gb,
			gpu_count = EXCLUDED.gpu_count,
			vram_per_gpu_gb = EXCLUDED.vram_per_gpu_gb,
			bandwidth_bps = EXCLUDED.bandwidth_bps,
			is_active = EXCLUDED.is_active,
			updated_at = now()`,
		t.Provider, t.Code, t.Name, t.CostPerHour, t.CPUCount, t.RAMGB,
		t.GPUCount, t.VRAMPerGPUGB, t.BandwidthBPS, t.IsActive)
	return err
}

func (p *Postgres) ListInstanceTypes(ctx context.Context, provider string) ([]models.InstanceType, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT provider, code, name, cost_per_hour, cpu_count, ram_gb, gpu_count,
			vram_per_gpu_gb, bandwidth_bps, is_active, updated_at
		FROM instance_types
		WHERE $1 = '' OR provider = $1
		ORDER BY code`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.InstanceType
	for rows.Next() {
		var t models.InstanceType
		if err := rows.Scan(&t.Provider, &t.Code, &t.Name, &t.CostPerHour, &t.CPUCount,
			&t.RAMGB, &t.GPUCount, &t.VRAMPerGPUGB, &t.BandwidthBPS, &t.IsActive,
			&t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ReviveInstance(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var from string
	err = tx.QueryRow(ctx,
		`SELECT status FROM instances WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	switch models.Status(from) {
	case models.StatusTerminating, models.StatusTerminated, models.StatusArchived,
		models.StatusProvisioningFailed, models.StatusFailed:
	default:
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE instances SET
			status = 'ready',
			terminated_at = NULL,
			archived_at = NULL,
			is_archived = FALSE,
			deletion_reason = '',
			deleted_by_provider = FALSE
		WHERE id = $1`, id); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO instance_state_history (instance_id, from_status, to_status, reason)
		VALUES ($1,$2,'ready',$3)`, id, from, reason); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
