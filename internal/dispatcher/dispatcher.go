// Package dispatcher consumes commands from the bus and runs the
// provisioning workflows. It is the fast path only: every outcome it
// produces is also reachable through the polling jobs, so a dropped
// message delays work instead of losing it.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/statemachine"
	"github.com/gpufleet/gpufleet/internal/store"
	"github.com/gpufleet/gpufleet/internal/util/retry"
)

// Dispatcher subscribes to the command subject and handles each message in
// its own goroutine so a stuck workflow cannot block the receive loop.
type Dispatcher struct {
	store     store.Store
	machine   *statemachine.Machine
	provider  provider.Provider
	bus       Bus
	subject   string
	bootImage string
	timeouts  *config.Timeouts
	log       zerolog.Logger

	wg sync.WaitGroup
}

func New(st store.Store, machine *statemachine.Machine, pv provider.Provider, bus Bus, subject, bootImage string, timeouts *config.Timeouts, log zerolog.Logger) *Dispatcher {
	if bootImage == "" {
		bootImage = "ubuntu-24.04"
	}
	return &Dispatcher{
		store:     st,
		machine:   machine,
		provider:  pv,
		bus:       bus,
		subject:   subject,
		bootImage: bootImage,
		timeouts:  timeouts,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run subscribes and blocks until ctx is cancelled, then waits for
// in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context) error {
	unsubscribe, err := d.bus.Subscribe(d.subject, func(data []byte) {
		var cmd models.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			d.log.Error().Err(err).Msg("undecodable command dropped")
			metrics.CommandsTotal.WithLabelValues("unknown", "decode_error").Inc()
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatch(ctx, cmd)
		}()
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("subject", d.subject).Msg("dispatcher subscribed")
	<-ctx.Done()
	unsubscribe()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd models.Command) {
	log := d.log.With().
		Str("type", string(cmd.Type)).
		Str("instance_id", cmd.InstanceID.String()).
		Str("correlation_id", cmd.CorrelationID).
		Logger()
	log.Info().Msg("command received")

	var err error
	switch cmd.Type {
	case models.CommandProvision:
		_, err = d.Provision(ctx, cmd)
	case models.CommandTerminate:
		err = d.Terminate(ctx, cmd.InstanceID, "terminate command")
	case models.CommandReinstall:
		err = d.Reinstall(ctx, cmd.InstanceID)
	case models.CommandSyncCatalog:
		err = d.SyncCatalog(ctx)
	case models.CommandReconcile:
		err = d.Reconcile(ctx)
	default:
		log.Warn().Msg("unknown command type dropped")
		metrics.CommandsTotal.WithLabelValues(string(cmd.Type), "unknown").Inc()
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		log.Error().Err(err).Msg("command failed")
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Type), result).Inc()
}

// Provision runs the full provisioning workflow. With a zero instance id
// it creates the row first; with an existing id it resumes (the requeue
// job re-enters here). Transient provider failures leave the row in
// provisioning for the requeue job; permanent ones fail it immediately.
func (d *Dispatcher) Provision(ctx context.Context, cmd models.Command) (uuid.UUID, error) {
	inst, err := d.ensureRow(ctx, cmd)
	if err != nil {
		return uuid.Nil, err
	}
	if inst.Status != models.StatusProvisioning {
		// Raced with another replica or an operator; nothing to do.
		return inst.ID, nil
	}

	if inst.ProviderInstanceID == "" {
		if err := d.createResource(ctx, inst); err != nil {
			return inst.ID, err
		}
	}
	if err := d.startResource(ctx, inst); err != nil {
		return inst.ID, err
	}
	d.pollIP(ctx, inst)

	if _, err := d.machine.MarkBooting(ctx, inst.ID, "provider resources up"); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

func (d *Dispatcher) ensureRow(ctx context.Context, cmd models.Command) (*models.Instance, error) {
	if cmd.InstanceID != uuid.Nil {
		return d.store.GetInstance(ctx, cmd.InstanceID)
	}
	inst := &models.Instance{
		Provider:     d.provider.Name(),
		Zone:         cmd.Zone,
		InstanceType: cmd.InstanceType,
		ModelID:      cmd.ModelID,
		Status:       models.StatusProvisioning,
	}
	if err := d.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance row: %w", err)
	}
	return inst, nil
}

func (d *Dispatcher) createResource(ctx context.Context, inst *models.Instance) error {
	image, err := d.provider.ResolveBootImage(ctx, d.bootImage)
	if err != nil {
		_ = d.store.RecordAction(ctx, inst.ID, models.ActionProviderCreate, false, err.Error())
		return d.failProvision(ctx, inst.ID, err)
	}
	var created *provider.Created
	err = retry.Do(ctx, func() error {
		var cerr error
		created, cerr = d.provider.CreateInstance(ctx, provider.CreateRequest{
			Name:         "gpufleet-" + shortID(inst.ID),
			Zone:         inst.Zone,
			InstanceType: inst.InstanceType,
			BootImage:    image,
			UserData:     workerUserData(inst),
			Labels:       map[string]string{"model": inst.ModelID},
		})
		return cerr
	}, retry.WithPermanent(provider.IsPermanent))
	if err != nil {
		_ = d.store.RecordAction(ctx, inst.ID, models.ActionProviderCreate, false, err.Error())
		return d.failProvision(ctx, inst.ID, err)
	}
	if err := d.store.SetProviderInstance(ctx, inst.ID, created.ProviderInstanceID, created.IP); err != nil {
		return err
	}
	inst.ProviderInstanceID = created.ProviderInstanceID
	if created.IP != "" {
		inst.IPAddress = created.IP
	}
	return d.store.RecordAction(ctx, inst.ID, models.ActionProviderCreate, true, created.ProviderInstanceID)
}

func (d *Dispatcher) startResource(ctx context.Context, inst *models.Instance) error {
	err := retry.Do(ctx, func() error {
		return d.provider.StartInstance(ctx, inst.ProviderInstanceID)
	}, retry.WithPermanent(provider.IsPermanent))
	if err != nil {
		_ = d.store.RecordAction(ctx, inst.ID, models.ActionProviderStart, false, err.Error())
		return d.failProvision(ctx, inst.ID, err)
	}
	return d.store.RecordAction(ctx, inst.ID, models.ActionProviderStart, true, "")
}

// pollIP is best-effort: some providers assign addresses asynchronously
// and the health-check job backfills later if the poll exhausts.
func (d *Dispatcher) pollIP(ctx context.Context, inst *models.Instance) {
	if inst.IPAddress != "" {
		_ = d.store.RecordAction(ctx, inst.ID, models.ActionIPAssigned, true, inst.IPAddress)
		return
	}
	for attempt := 0; attempt < d.timeouts.IPPollAttempts; attempt++ {
		ip, err := d.provider.GetIP(ctx, inst.ProviderInstanceID)
		if err == nil && ip != "" {
			if err := d.store.SetIPAddress(ctx, inst.ID, ip); err == nil {
				inst.IPAddress = ip
				_ = d.store.RecordAction(ctx, inst.ID, models.ActionIPAssigned, true, ip)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.timeouts.IPPollDelay):
		}
	}
	d.log.Warn().
		Str("instance_id", inst.ID.String()).
		Msg("ip not assigned within poll budget, deferring to health check")
}

// failProvision classifies the error: permanent failures transition to
// provisioning_failed, transient ones only record the error so the requeue
// job can try again.
func (d *Dispatcher) failProvision(ctx context.Context, id uuid.UUID, err error) error {
	if provider.IsPermanent(err) {
		_, ferr := d.machine.FailProvisioning(ctx, id, provider.ErrorCode(err), err.Error())
		if ferr != nil {
			return ferr
		}
		return nil
	}
	if rerr := d.store.RecordInstanceError(ctx, id, provider.ErrorCode(err), err.Error()); rerr != nil {
		return rerr
	}
	return err
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

// workerUserData renders the cloud-init payload the worker agent bootstraps
// from.
func workerUserData(inst *models.Instance) string {
	return fmt.Sprintf(`#cloud-config
write_files:
  - path: /etc/gpufleet/worker.env
    content: |
      GPUFLEET_INSTANCE_ID=%s
      GPUFLEET_MODEL_ID=%s
`, inst.ID, inst.ModelID)
}

// Terminate marks the instance terminating and revokes its worker token.
// The terminator job performs the actual teardown.
func (d *Dispatcher) Terminate(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := d.machine.BeginTermination(ctx, id, reason); err != nil {
		return err
	}
	return d.store.RevokeWorkerToken(ctx, id)
}

// Reinstall pushes a ready or startup_failed instance back to booting with
// a fresh boot window. The worker token is revoked so the reinstalled
// agent re-registers.
func (d *Dispatcher) Reinstall(ctx context.Context, id uuid.UUID) error {
	inst, err := d.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	switch inst.Status {
	case models.StatusReady, models.StatusStartupFailed:
	default:
		return fmt.Errorf("reinstall refused in status %s", inst.Status)
	}
	applied, err := d.machine.Apply(ctx, store.Transition{
		InstanceID:         id,
		From:               inst.Status,
		To:                 models.StatusBooting,
		Reason:             "reinstall requested",
		ResetBootStartedAt: true,
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := d.store.RevokeWorkerToken(ctx, id); err != nil {
		return err
	}
	return retry.Do(ctx, func() error {
		return d.provider.StartInstance(ctx, inst.ProviderInstanceID)
	}, retry.WithPermanent(provider.IsPermanent))
}

// SyncCatalog refreshes the instance-type catalog from the provider.
func (d *Dispatcher) SyncCatalog(ctx context.Context) error {
	types, err := d.provider.FetchCatalog(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}
	for _, t := range types {
		if err := d.store.UpsertInstanceType(ctx, t); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", t.Provider, t.Code, err)
		}
	}
	d.log.Info().Int("types", len(types)).Msg("catalog synced")
	return nil
}

// Reconcile compares provider reality against the store: provider
// instances without a row are imported as orphans, rows marked dead whose
// resource is alive are revived.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	infos, err := d.provider.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list provider instances: %w", err)
	}
	for _, info := range infos {
		inst, err := d.store.GetInstanceByProviderID(ctx, info.ProviderInstanceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := d.importOrphan(ctx, info); err != nil {
				d.log.Error().Err(err).
					Str("provider_instance_id", info.ProviderInstanceID).
					Msg("orphan import failed")
			}
		case err != nil:
			return err
		case inst.Status.Terminal() && !inst.IsArchived:
			applied, err := d.store.ReviveInstance(ctx, inst.ID, "provider resource still running")
			if err != nil {
				return err
			}
			if applied {
				d.log.Warn().
					Str("instance_id", inst.ID.String()).
					Msg("zombie revived: resource alive despite terminal status")
			}
		}
	}
	return nil
}

func (d *Dispatcher) importOrphan(ctx context.Context, info provider.InstanceInfo) error {
	inst := &models.Instance{
		Provider:           d.provider.Name(),
		Zone:               info.Zone,
		InstanceType:       "unknown",
		ProviderInstanceID: info.ProviderInstanceID,
		IPAddress:          info.IP,
		Status:             models.StatusReady,
	}
	if err := d.store.CreateInstance(ctx, inst); err != nil {
		return err
	}
	d.log.Warn().
		Str("instance_id", inst.ID.String()).
		Str("provider_instance_id", info.ProviderInstanceID).
		Msg("unmanaged provider instance imported")
	return nil
}
