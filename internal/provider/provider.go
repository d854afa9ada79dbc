// Package provider abstracts the cloud APIs the orchestrator provisions
// against. The variant set is closed: Hetzner for production, the mock for
// tests and local development. Adapters translate provider-specific errors
// into the classification the dispatcher and jobs act on.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/gpufleet/gpufleet/internal/models"
)

// ErrNotFound means the referenced provider resource does not exist.
// During teardown this is success, not failure.
var ErrNotFound = errors.New("provider: resource not found")

// PermanentError marks failures that retrying cannot fix: quota exceeded,
// invalid configuration, missing image. The dispatcher fails the instance
// immediately instead of burning retries.
type PermanentError struct {
	Code string // stored as the instance error_code
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider: permanent failure (%s): %v", e.Code, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsNotFound reports whether the resource is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermanent reports whether the failure is not worth retrying.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrorCode extracts the code to record on the instance, defaulting to
// provider_error for unclassified failures.
func ErrorCode(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if IsNotFound(err) {
		return "provider_not_found"
	}
	return "provider_error"
}

// CreateRequest describes the instance to provision.
type CreateRequest struct {
	Name         string
	Zone         string
	InstanceType string
	BootImage    string
	UserData     string // cloud-init payload handed to the worker
	Labels       map[string]string
}

// Created is the provider's record of a new instance. IP may be empty if
// address assignment is still in flight.
type Created struct {
	ProviderInstanceID string
	IP                 string
}

// InstanceInfo is one provider-side instance as seen during full
// reconciliation.
type InstanceInfo struct {
	ProviderInstanceID string
	Name               string
	Zone               string
	IP                 string
}

// AttachedVolume is a volume the provider reports attached to an instance,
// whether or not the orchestrator created it.
type AttachedVolume struct {
	ProviderVolumeID string
	VolumeType       string
	SizeBytes        int64
	IsBoot           bool
}

// Provider is the adapter contract. Delete operations treat "already gone"
// as success so teardown is idempotent.
type Provider interface {
	Name() string

	CreateInstance(ctx context.Context, req CreateRequest) (*Created, error)
	StartInstance(ctx context.Context, providerInstanceID string) error
	GetIP(ctx context.Context, providerInstanceID string) (string, error)
	DeleteInstance(ctx context.Context, providerInstanceID string) error
	InstanceExists(ctx context.Context, providerInstanceID string) (bool, error)
	ListInstances(ctx context.Context) ([]InstanceInfo, error)

	ListAttachedVolumes(ctx context.Context, providerInstanceID string) ([]AttachedVolume, error)
	DeleteVolume(ctx context.Context, providerVolumeID string) error

	ResolveBootImage(ctx context.Context, name string) (string, error)
	FetchCatalog(ctx context.Context) ([]models.InstanceType, error)
}
