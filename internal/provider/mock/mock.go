// Package mock is the in-memory provider used by tests and local
// development. It keeps real resource state (created servers, attached
// volumes) so teardown idempotence is exercised for real, and exposes
// function-field hooks for fault injection.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/provider"
)

type server struct {
	id      string
	name    string
	zone    string
	ip      string
	running bool
	volumes []provider.AttachedVolume
}

// Provider implements provider.Provider in memory. Zero value is not
// usable; construct with New.
type Provider struct {
	mu      sync.Mutex
	seq     int
	servers map[string]*server
	volumes map[string]bool // provider volume id -> exists

	// DelayIPAssignment holds back the IP for that many GetIP calls,
	// simulating providers that assign addresses asynchronously.
	DelayIPAssignment int
	ipPolls           map[string]int

	// LingerAfterDelete makes DeleteInstance succeed without removing the
	// server, simulating providers that delete asynchronously.
	LingerAfterDelete bool

	// Fault hooks. When non-nil they run before the real implementation
	// and a non-nil error short-circuits.
	ResolveErr func(name string) error
	CreateErr  func(req provider.CreateRequest) error
	StartErr   func(id string) error
	DeleteErr  func(id string) error
	VolumeErr  func(id string) error
}

var _ provider.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		servers: make(map[string]*server),
		volumes: make(map[string]bool),
		ipPolls: make(map[string]int),
	}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) CreateInstance(_ context.Context, req provider.CreateRequest) (*provider.Created, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		if err := p.CreateErr(req); err != nil {
			return nil, err
		}
	}
	p.seq++
	s := &server{
		id:   fmt.Sprintf("mock-%d", p.seq),
		name: req.Name,
		zone: req.Zone,
		ip:   fmt.Sprintf("10.0.%d.%d", p.seq/250, p.seq%250+1),
	}
	p.servers[s.id] = s
	created := &provider.Created{ProviderInstanceID: s.id}
	if p.DelayIPAssignment == 0 {
		created.IP = s.ip
	}
	return created, nil
}

func (p *Provider) StartInstance(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		if err := p.StartErr(id); err != nil {
			return err
		}
	}
	s, ok := p.servers[id]
	if !ok {
		return provider.ErrNotFound
	}
	s.running = true
	return nil
}

func (p *Provider) GetIP(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.servers[id]
	if !ok {
		return "", provider.ErrNotFound
	}
	if p.ipPolls[id] < p.DelayIPAssignment {
		p.ipPolls[id]++
		return "", nil
	}
	return s.ip, nil
}

func (p *Provider) DeleteInstance(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DeleteErr != nil {
		if err := p.DeleteErr(id); err != nil {
			return err
		}
	}
	if p.LingerAfterDelete {
		return nil
	}
	// Deleting a missing server succeeds; teardown must be idempotent.
	delete(p.servers, id)
	return nil
}

func (p *Provider) InstanceExists(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.servers[id]
	return ok, nil
}

func (p *Provider) ListInstances(_ context.Context) ([]provider.InstanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.InstanceInfo, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, provider.InstanceInfo{
			ProviderInstanceID: s.id,
			Name:               s.name,
			Zone:               s.zone,
			IP:                 s.ip,
		})
	}
	return out, nil
}

// AttachVolume registers a volume on a server, with or without a matching
// store row. Test helper for watch-dog backfill scenarios.
func (p *Provider) AttachVolume(serverID string, vol provider.AttachedVolume) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.servers[serverID]; ok {
		s.volumes = append(s.volumes, vol)
		p.volumes[vol.ProviderVolumeID] = true
	}
}

func (p *Provider) ListAttachedVolumes(_ context.Context, id string) ([]provider.AttachedVolume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.servers[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	out := make([]provider.AttachedVolume, 0, len(s.volumes))
	for _, v := range s.volumes {
		if p.volumes[v.ProviderVolumeID] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (p *Provider) DeleteVolume(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.VolumeErr != nil {
		if err := p.VolumeErr(id); err != nil {
			return err
		}
	}
	delete(p.volumes, id)
	return nil
}

// VolumeExists reports whether the volume is still present. Test helper.
func (p *Provider) VolumeExists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumes[id]
}

// RemoveServer drops a server out-of-band, simulating provider-side
// deletion for orphan-detection tests.
func (p *Provider) RemoveServer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.servers, id)
}

// ServerCount reports how many servers currently exist. Test helper.
func (p *Provider) ServerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

func (p *Provider) ResolveBootImage(_ context.Context, name string) (string, error) {
	if p.ResolveErr != nil {
		if err := p.ResolveErr(name); err != nil {
			return "", err
		}
	}
	if name == "" {
		return "", &provider.PermanentError{
			Code: "image_not_found",
			Err:  fmt.Errorf("empty boot image name"),
		}
	}
	return "img-" + name, nil
}

func (p *Provider) FetchCatalog(_ context.Context) ([]models.InstanceType, error) {
	return []models.InstanceType{
		{Provider: "mock", Code: "gpu-l40s", Name: "Mock L40S", CostPerHour: 1.25,
			CPUCount: 16, RAMGB: 64, GPUCount: 1, VRAMPerGPUGB: 48, IsActive: true},
		{Provider: "mock", Code: "gpu-h100", Name: "Mock H100", CostPerHour: 4.5,
			CPUCount: 32, RAMGB: 128, GPUCount: 1, VRAMPerGPUGB: 80, IsActive: true},
	}, nil
}
