package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/internal/models"
)

// Memory is an in-process Store with the same claim and CAS semantics as
// Postgres. It backs tests and the mock-provider development mode.
type Memory struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*models.Instance
	history   map[uuid.UUID][]models.StateTransition
	actions   map[uuid.UUID][]models.ActionRecord
	volumes   map[uuid.UUID]*models.Volume
	tokens    map[uuid.UUID]*models.WorkerAuthToken
	types     map[string]models.InstanceType
	seq       int64

	// now is swappable in tests.
	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		instances: make(map[uuid.UUID]*models.Instance),
		history:   make(map[uuid.UUID][]models.StateTransition),
		actions:   make(map[uuid.UUID][]models.ActionRecord),
		volumes:   make(map[uuid.UUID]*models.Volume),
		tokens:    make(map[uuid.UUID]*models.WorkerAuthToken),
		types:     make(map[string]models.InstanceType),
		now:       time.Now,
	}
}

// SetClock overrides the store clock. Test helper.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateInstance(_ context.Context, inst *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = m.now()
	}
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id uuid.UUID) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *Memory) GetInstanceByProviderID(_ context.Context, providerInstanceID string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ProviderInstanceID != "" && inst.ProviderInstanceID == providerInstanceID {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListInstancesByStatus(_ context.Context, statuses ...models.Status) ([]*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[models.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*models.Instance
	for _, inst := range m.instances {
		if len(statuses) == 0 || want[inst.Status] {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Transition(_ context.Context, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[t.InstanceID]
	if !ok {
		return false, ErrNotFound
	}
	if inst.Status != t.From {
		return false, nil
	}
	now := m.now()
	inst.Status = t.To
	stampTransition(inst, t, now)
	m.seq++
	m.history[t.InstanceID] = append(m.history[t.InstanceID], models.StateTransition{
		ID:         m.seq,
		InstanceID: t.InstanceID,
		FromStatus: t.From,
		ToStatus:   t.To,
		Reason:     t.Reason,
		Metadata:   t.Metadata,
		CreatedAt:  now,
	})
	return true, nil
}

// stampTransition mirrors the timestamp and error bookkeeping the Postgres
// UPDATE does with COALESCE: first stamp wins, errors are preserved.
func stampTransition(inst *models.Instance, t Transition, now time.Time) {
	switch t.To {
	case models.StatusBooting:
		if inst.BootStartedAt == nil {
			ts := now
			inst.BootStartedAt = &ts
		}
	case models.StatusReady:
		if inst.ReadyAt == nil {
			ts := now
			inst.ReadyAt = &ts
		}
		inst.HealthCheckFailures = 0
	case models.StatusProvisioningFailed, models.StatusStartupFailed, models.StatusFailed:
		if inst.FailedAt == nil {
			ts := now
			inst.FailedAt = &ts
		}
	case models.StatusTerminated:
		if inst.TerminatedAt == nil {
			ts := now
			inst.TerminatedAt = &ts
		}
	case models.StatusArchived:
		if inst.ArchivedAt == nil {
			ts := now
			inst.ArchivedAt = &ts
		}
		inst.IsArchived = true
	}
	if t.ErrorCode != "" && inst.ErrorCode == "" {
		inst.ErrorCode = t.ErrorCode
	}
	if t.ErrorMessage != "" && inst.ErrorMessage == "" {
		inst.ErrorMessage = t.ErrorMessage
	}
	if t.DeletionReason != "" {
		inst.DeletionReason = t.DeletionReason
	}
	if t.DeletedByProvider {
		inst.DeletedByProvider = true
	}
	if t.ResetBootStartedAt {
		ts := now
		inst.BootStartedAt = &ts
		inst.FailedAt = nil
		inst.ErrorCode = ""
		inst.ErrorMessage = ""
		inst.HealthCheckFailures = 0
	}
}

func (m *Memory) Claim(_ context.Context, spec ClaimSpec) ([]*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	want := make(map[models.Status]bool, len(spec.Statuses))
	for _, s := range spec.Statuses {
		want[s] = true
	}

	candidates := make([]*models.Instance, 0)
	for _, inst := range m.instances {
		if !want[inst.Status] {
			continue
		}
		if spec.MinAge > 0 && now.Sub(inst.CreatedAt) < spec.MinAge {
			continue
		}
		if spec.RequireProviderID != nil {
			has := inst.ProviderInstanceID != ""
			if has != *spec.RequireProviderID {
				continue
			}
		}
		if spec.RequireNotFailed && inst.FailedAt != nil {
			continue
		}
		if spec.MaxRetryCount > 0 && inst.RetryCount >= spec.MaxRetryCount {
			continue
		}
		lease := m.leaseValue(inst, spec.Lease)
		if lease != nil && now.Sub(*lease) < spec.LeaseOlderThan {
			continue
		}
		candidates = append(candidates, inst)
	}
	// Oldest leases first so no row starves behind fresher ones.
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := m.leaseValue(candidates[i], spec.Lease), m.leaseValue(candidates[j], spec.Lease)
		switch {
		case li == nil && lj != nil:
			return true
		case li != nil && lj == nil:
			return false
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.Before(*lj)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if spec.Limit > 0 && len(candidates) > spec.Limit {
		candidates = candidates[:spec.Limit]
	}

	out := make([]*models.Instance, 0, len(candidates))
	for _, inst := range candidates {
		ts := now
		m.setLease(inst, spec.Lease, &ts)
		if spec.BumpRetry {
			inst.RetryCount++
		}
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) leaseValue(inst *models.Instance, f LeaseField) *time.Time {
	if f == LeaseHealthCheck {
		return inst.LastHealthCheck
	}
	return inst.LastReconciliation
}

func (m *Memory) setLease(inst *models.Instance, f LeaseField, ts *time.Time) {
	if f == LeaseHealthCheck {
		inst.LastHealthCheck = ts
	} else {
		inst.LastReconciliation = ts
	}
}

func (m *Memory) ReleaseClaim(_ context.Context, id uuid.UUID, lease LeaseField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	m.setLease(inst, lease, nil)
	return nil
}

func (m *Memory) BumpRetry(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return 0, ErrNotFound
	}
	inst.RetryCount++
	return inst.RetryCount, nil
}

func (m *Memory) SetProviderInstance(_ context.Context, id uuid.UUID, providerInstanceID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.ProviderInstanceID = providerInstanceID
	if ip != "" && inst.IPAddress == "" {
		inst.IPAddress = ip
	}
	return nil
}

func (m *Memory) SetIPAddress(_ context.Context, id uuid.UUID, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.IPAddress == "" {
		inst.IPAddress = ip
	}
	return nil
}

func (m *Memory) RecordInstanceError(_ context.Context, id uuid.UUID, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.ErrorCode == "" {
		inst.ErrorCode = code
	}
	if inst.ErrorMessage == "" {
		inst.ErrorMessage = message
	}
	return nil
}

func (m *Memory) SetHealthCheckFailures(_ context.Context, id uuid.UUID, failures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.HealthCheckFailures = failures
	return nil
}

func (m *Memory) RecordHeartbeat(_ context.Context, id uuid.UUID, report WorkerReport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false, ErrNotFound
	}
	now := m.now()
	inst.Worker.LastHeartbeat = &now
	if report.Status != "" {
		inst.Worker.Status = report.Status
	}
	if report.ModelID != "" {
		inst.Worker.ModelID = report.ModelID
	}
	if report.QueueDepth != nil {
		inst.Worker.QueueDepth = *report.QueueDepth
	}
	if report.GPUUtilization != nil {
		inst.Worker.GPUUtilization = *report.GPUUtilization
	}
	if report.Metadata != nil {
		inst.Worker.Metadata = report.Metadata
	}
	return true, nil
}

func (m *Memory) RegisterWorker(_ context.Context, id uuid.UUID, reg WorkerRegistration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false, ErrNotFound
	}
	if inst.IPAddress != "" {
		for _, other := range m.instances {
			if other.ID == id || !other.Status.Active() || other.IPAddress != inst.IPAddress {
				continue
			}
			if (reg.HealthPort != 0 && other.Worker.HealthPort == reg.HealthPort) ||
				(reg.InferencePort != 0 && other.Worker.InferencePort == reg.InferencePort) {
				return false, ErrEndpointConflict
			}
		}
	}
	now := m.now()
	inst.Worker.LastHeartbeat = &now
	inst.Worker.Status = models.WorkerStarting
	if reg.ModelID != "" {
		inst.Worker.ModelID = reg.ModelID
	}
	if reg.HealthPort != 0 {
		inst.Worker.HealthPort = reg.HealthPort
	}
	if reg.InferencePort != 0 {
		inst.Worker.InferencePort = reg.InferencePort
	}
	if reg.Metadata != nil {
		inst.Worker.Metadata = reg.Metadata
	}
	return true, nil
}

func (m *Memory) ListRoutable(_ context.Context, modelID string, staleness time.Duration, limit int) ([]*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*models.Instance
	for _, inst := range m.instances {
		if inst.Status != models.StatusReady {
			continue
		}
		if inst.Worker.Status != "" && inst.Worker.Status != models.WorkerReady {
			continue
		}
		if modelID != "" && !strings.EqualFold(inst.Worker.ModelID, modelID) && inst.Worker.ModelID != "" {
			continue
		}
		if modelID != "" && inst.Worker.ModelID == "" && !strings.EqualFold(inst.ModelID, modelID) {
			continue
		}
		fresh := inst.FreshestSignal()
		if fresh.IsZero() || now.Sub(fresh) > staleness {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Worker.QueueDepth != out[j].Worker.QueueDepth {
			return out[i].Worker.QueueDepth < out[j].Worker.QueueDepth
		}
		fi, fj := out[i].FreshestSignal(), out[j].FreshestSignal()
		if !fi.Equal(fj) {
			return fi.After(fj)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) History(_ context.Context, id uuid.UUID) ([]models.StateTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.history[id]
	out := make([]models.StateTransition, len(hist))
	copy(out, hist)
	return out, nil
}

func (m *Memory) RecordAction(_ context.Context, id uuid.UUID, action models.Action, success bool, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.actions[id] = append(m.actions[id], models.ActionRecord{
		ID:         m.seq,
		InstanceID: id,
		Action:     action,
		Success:    success,
		Detail:     detail,
		CreatedAt:  m.now(),
	})
	return nil
}

func (m *Memory) CompletedActions(_ context.Context, id uuid.UUID) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[models.Action]bool)
	var out []models.Action
	for _, rec := range m.actions[id] {
		if rec.Success && !seen[rec.Action] {
			seen[rec.Action] = true
			out = append(out, rec.Action)
		}
	}
	return out, nil
}

func (m *Memory) UpsertVolume(_ context.Context, v *models.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		for _, existing := range m.volumes {
			if existing.InstanceID == v.InstanceID && existing.ProviderVolumeID == v.ProviderVolumeID {
				v.ID = existing.ID
				v.CreatedAt = existing.CreatedAt
				break
			}
		}
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	cp := *v
	m.volumes[v.ID] = &cp
	return nil
}

func (m *Memory) ListVolumes(_ context.Context, instanceID uuid.UUID) ([]*models.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Volume
	for _, v := range m.volumes {
		if v.InstanceID == instanceID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkVolumeDeleted(_ context.Context, volumeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volumeID]
	if !ok {
		return false, ErrNotFound
	}
	if v.Status == models.VolumeDeleted {
		return false, nil
	}
	v.Status = models.VolumeDeleted
	now := m.now()
	v.DeletedAt = &now
	return true, nil
}

func (m *Memory) CreateWorkerToken(_ context.Context, tok *models.WorkerAuthToken) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tokens[tok.InstanceID]; ok && existing.RevokedAt == nil {
		return false, nil
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = m.now()
	}
	cp := *tok
	m.tokens[tok.InstanceID] = &cp
	return true, nil
}

func (m *Memory) GetWorkerToken(_ context.Context, instanceID uuid.UUID) (*models.WorkerAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[instanceID]
	if !ok || tok.RevokedAt != nil {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *Memory) TouchWorkerToken(_ context.Context, instanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[instanceID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	tok.LastSeenAt = &now
	return nil
}

func (m *Memory) RevokeWorkerToken(_ context.Context, instanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[instanceID]
	if !ok {
		return nil
	}
	if tok.RevokedAt == nil {
		now := m.now()
		tok.RevokedAt = &now
	}
	return nil
}

func (m *Memory) UpsertInstanceType(_ context.Context, t models.InstanceType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[t.Provider+"/"+t.Code] = t
	return nil
}

func (m *Memory) ListInstanceTypes(_ context.Context, provider string) ([]models.InstanceType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InstanceType
	for _, t := range m.types {
		if provider == "" || t.Provider == provider {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) ReviveInstance(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return false, ErrNotFound
	}
	if !inst.Status.Terminal() && inst.Status != models.StatusTerminating {
		return false, nil
	}
	from := inst.Status
	inst.Status = models.StatusReady
	inst.TerminatedAt = nil
	inst.ArchivedAt = nil
	inst.IsArchived = false
	inst.DeletionReason = ""
	inst.DeletedByProvider = false
	now := m.now()
	m.seq++
	m.history[id] = append(m.history[id], models.StateTransition{
		ID:         m.seq,
		InstanceID: id,
		FromStatus: from,
		ToStatus:   models.StatusReady,
		Reason:     reason,
		CreatedAt:  now,
	})
	return true, nil
}
