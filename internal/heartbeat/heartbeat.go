// Package heartbeat ingests worker reports. Ingestion writes worker_*
// fields only; lifecycle status is never changed from here except the one
// sanctioned case, the startup_failed self-heal, which goes through the
// state machine with its retry cap.
package heartbeat

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/statemachine"
	"github.com/gpufleet/gpufleet/internal/store"
)

var (
	// ErrUnauthorized covers a bad or revoked token.
	ErrUnauthorized = errors.New("heartbeat: unauthorized")
	// ErrAlreadyRegistered means a token was already issued; tokens are
	// never reissued, so a re-registering worker is refused.
	ErrAlreadyRegistered = errors.New("heartbeat: worker already registered")
	// ErrIPMismatch means the registration call came from an address other
	// than the instance's recorded IP.
	ErrIPMismatch = errors.New("heartbeat: source ip does not match instance")
	// ErrInstanceTerminal refuses reports against dead instances.
	ErrInstanceTerminal = errors.New("heartbeat: instance is terminal")
)

// Service handles worker registration, authentication and reports.
type Service struct {
	store           store.Store
	machine         *statemachine.Machine
	startupRetryCap int
	log             zerolog.Logger
}

func NewService(st store.Store, machine *statemachine.Machine, startupRetryCap int, log zerolog.Logger) *Service {
	return &Service{
		store:           st,
		machine:         machine,
		startupRetryCap: startupRetryCap,
		log:             log.With().Str("component", "heartbeat").Logger(),
	}
}

// Register performs the one-time worker bootstrap: issues a bearer token,
// stores only its hash, and records the worker's ports. The caller's IP
// must match the instance's recorded address unless the instance runs on
// the mock provider.
func (s *Service) Register(ctx context.Context, id uuid.UUID, remoteIP string, reg store.WorkerRegistration) (string, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return "", err
	}
	if inst.Status.Terminal() {
		return "", ErrInstanceTerminal
	}
	if inst.Provider != "mock" && remoteIP != inst.IPAddress {
		s.log.Warn().
			Str("instance_id", id.String()).
			Str("remote_ip", remoteIP).
			Str("instance_ip", inst.IPAddress).
			Msg("registration from foreign address refused")
		return "", ErrIPMismatch
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(token))

	created, err := s.store.CreateWorkerToken(ctx, &models.WorkerAuthToken{
		InstanceID:  id,
		TokenHash:   hex.EncodeToString(sum[:]),
		TokenPrefix: token[:8],
	})
	if err != nil {
		return "", err
	}
	if !created {
		return "", ErrAlreadyRegistered
	}
	if _, err := s.store.RegisterWorker(ctx, id, reg); err != nil {
		// The issued token must not outlive a refused registration.
		_ = s.store.RevokeWorkerToken(ctx, id)
		return "", err
	}
	s.log.Info().
		Str("instance_id", id.String()).
		Str("token_prefix", token[:8]).
		Msg("worker registered")
	return token, nil
}

// Authenticate validates a bearer token against the stored hash.
func (s *Service) Authenticate(ctx context.Context, id uuid.UUID, token string) error {
	tok, err := s.store.GetWorkerToken(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(tok.TokenHash)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Report stores one heartbeat. If the instance sits in startup_failed the
// late heartbeat proves it alive, so the report also triggers the bounded
// self-heal back to booting.
func (s *Service) Report(ctx context.Context, id uuid.UUID, report store.WorkerReport) error {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return ErrInstanceTerminal
	}
	if _, err := s.store.RecordHeartbeat(ctx, id, report); err != nil {
		return err
	}
	if err := s.store.TouchWorkerToken(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if inst.Status == models.StatusStartupFailed {
		return s.selfHeal(ctx, inst)
	}
	return nil
}

func (s *Service) selfHeal(ctx context.Context, inst *models.Instance) error {
	heals, err := s.selfHealCount(ctx, inst.ID)
	if err != nil {
		return err
	}
	if heals >= s.startupRetryCap {
		s.log.Warn().
			Str("instance_id", inst.ID.String()).
			Int("self_heals", heals).
			Msg("late heartbeat ignored, retry cap reached")
		return nil
	}
	applied, err := s.machine.SelfHeal(ctx, inst.ID, "late heartbeat received")
	if err != nil {
		return err
	}
	if applied {
		s.log.Info().
			Str("instance_id", inst.ID.String()).
			Int("self_heals", heals+1).
			Msg("startup_failed self-healed to booting")
	}
	return nil
}

// selfHealCount counts prior startup_failed -> booting transitions so the
// cap survives process restarts.
func (s *Service) selfHealCount(ctx context.Context, id uuid.UUID) (int, error) {
	hist, err := s.store.History(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range hist {
		if h.FromStatus == models.StatusStartupFailed && h.ToStatus == models.StatusBooting {
			n++
		}
	}
	return n, nil
}
