// Package hetzner adapts the Hetzner Cloud API to the provider contract.
package hetzner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/provider"
)

// Adapter implements provider.Provider against the Hetzner Cloud API.
type Adapter struct {
	client *hcloud.Client
	log    zerolog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient replaces the hcloud client, useful with httptest servers.
func WithClient(c *hcloud.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func New(token string, log zerolog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		client: hcloud.NewClient(
			hcloud.WithToken(token),
			hcloud.WithApplication("gpufleet", ""),
			hcloud.WithPollOpts(hcloud.PollOpts{BackoffFunc: hcloud.ConstantBackoff(500 * time.Millisecond)}),
		),
		log: log.With().Str("provider", "hetzner").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "hetzner" }

// wrapErr translates hcloud API errors into the provider taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return provider.ErrNotFound
	}
	switch {
	case hcloud.IsError(err, hcloud.ErrorCodeResourceLimitExceeded):
		return &provider.PermanentError{Code: "quota_exceeded", Err: err}
	case hcloud.IsError(err, hcloud.ErrorCodeInvalidInput),
		hcloud.IsError(err, hcloud.ErrorCodeInvalidServerType):
		return &provider.PermanentError{Code: "invalid_config", Err: err}
	case hcloud.IsError(err, hcloud.ErrorCodeForbidden),
		hcloud.IsError(err, hcloud.ErrorCodeUnauthorized):
		return &provider.PermanentError{Code: "auth_failed", Err: err}
	case hcloud.IsError(err, hcloud.ErrorCodeResourceUnavailable):
		return &provider.PermanentError{Code: "out_of_capacity", Err: err}
	}
	return err
}

func parseID(providerInstanceID string) (int64, error) {
	id, err := strconv.ParseInt(providerInstanceID, 10, 64)
	if err != nil {
		return 0, &provider.PermanentError{
			Code: "invalid_config",
			Err:  fmt.Errorf("bad provider instance id %q: %w", providerInstanceID, err),
		}
	}
	return id, nil
}

func (a *Adapter) CreateInstance(ctx context.Context, req provider.CreateRequest) (*provider.Created, error) {
	image, err := a.resolveImage(ctx, req.BootImage)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{"managed-by": "gpufleet"}
	for k, v := range req.Labels {
		labels[k] = v
	}
	result, _, err := a.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:             req.Name,
		ServerType:       &hcloud.ServerType{Name: req.InstanceType},
		Image:            image,
		Location:         &hcloud.Location{Name: req.Zone},
		UserData:         req.UserData,
		Labels:           labels,
		StartAfterCreate: hcloud.Ptr(false),
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	created := &provider.Created{
		ProviderInstanceID: strconv.FormatInt(result.Server.ID, 10),
	}
	if result.Server.PublicNet.IPv4.IP != nil {
		created.IP = result.Server.PublicNet.IPv4.IP.String()
	}
	a.log.Info().
		Str("name", req.Name).
		Str("server_id", created.ProviderInstanceID).
		Str("zone", req.Zone).
		Msg("server created")
	return created, nil
}

func (a *Adapter) resolveImage(ctx context.Context, name string) (*hcloud.Image, error) {
	image, _, err := a.client.Image.GetByNameAndArchitecture(ctx, name, hcloud.ArchitectureX86)
	if err != nil {
		return nil, wrapErr(err)
	}
	if image == nil {
		return nil, &provider.PermanentError{
			Code: "image_not_found",
			Err:  fmt.Errorf("boot image %q does not exist", name),
		}
	}
	return image, nil
}

func (a *Adapter) StartInstance(ctx context.Context, providerInstanceID string) error {
	id, err := parseID(providerInstanceID)
	if err != nil {
		return err
	}
	server, _, err := a.client.Server.GetByID(ctx, id)
	if err != nil {
		return wrapErr(err)
	}
	if server == nil {
		return provider.ErrNotFound
	}
	if server.Status == hcloud.ServerStatusRunning {
		return nil
	}
	_, _, err = a.client.Server.Poweron(ctx, server)
	return wrapErr(err)
}

func (a *Adapter) GetIP(ctx context.Context, providerInstanceID string) (string, error) {
	id, err := parseID(providerInstanceID)
	if err != nil {
		return "", err
	}
	server, _, err := a.client.Server.GetByID(ctx, id)
	if err != nil {
		return "", wrapErr(err)
	}
	if server == nil {
		return "", provider.ErrNotFound
	}
	if server.PublicNet.IPv4.IP == nil {
		return "", nil
	}
	return server.PublicNet.IPv4.IP.String(), nil
}

func (a *Adapter) DeleteInstance(ctx context.Context, providerInstanceID string) error {
	id, err := parseID(providerInstanceID)
	if err != nil {
		return err
	}
	server, _, err := a.client.Server.GetByID(ctx, id)
	if err != nil {
		return wrapErr(err)
	}
	if server == nil {
		// Already gone: teardown is idempotent.
		return nil
	}
	_, _, err = a.client.Server.DeleteWithResult(ctx, server)
	if err := wrapErr(err); err != nil && !provider.IsNotFound(err) {
		return err
	}
	a.log.Info().Str("server_id", providerInstanceID).Msg("server deleted")
	return nil
}

func (a *Adapter) InstanceExists(ctx context.Context, providerInstanceID string) (bool, error) {
	id, err := parseID(providerInstanceID)
	if err != nil {
		return false, err
	}
	server, _, err := a.client.Server.GetByID(ctx, id)
	if err != nil {
		if werr := wrapErr(err); provider.IsNotFound(werr) {
			return false, nil
		}
		return false, wrapErr(err)
	}
	return server != nil, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]provider.InstanceInfo, error) {
	servers, err := a.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: "managed-by=gpufleet"},
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]provider.InstanceInfo, 0, len(servers))
	for _, s := range servers {
		info := provider.InstanceInfo{
			ProviderInstanceID: strconv.FormatInt(s.ID, 10),
			Name:               s.Name,
		}
		if s.Datacenter != nil && s.Datacenter.Location != nil {
			info.Zone = s.Datacenter.Location.Name
		}
		if s.PublicNet.IPv4.IP != nil {
			info.IP = s.PublicNet.IPv4.IP.String()
		}
		out = append(out, info)
	}
	return out, nil
}

func (a *Adapter) ListAttachedVolumes(ctx context.Context, providerInstanceID string) ([]provider.AttachedVolume, error) {
	id, err := parseID(providerInstanceID)
	if err != nil {
		return nil, err
	}
	server, _, err := a.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, wrapErr(err)
	}
	if server == nil {
		return nil, provider.ErrNotFound
	}
	out := make([]provider.AttachedVolume, 0, len(server.Volumes))
	for _, ref := range server.Volumes {
		vol, _, err := a.client.Volume.GetByID(ctx, ref.ID)
		if err != nil {
			return nil, wrapErr(err)
		}
		if vol == nil {
			continue
		}
		out = append(out, provider.AttachedVolume{
			ProviderVolumeID: strconv.FormatInt(vol.ID, 10),
			VolumeType:       "block",
			SizeBytes:        int64(vol.Size) << 30,
		})
	}
	return out, nil
}

func (a *Adapter) DeleteVolume(ctx context.Context, providerVolumeID string) error {
	id, err := strconv.ParseInt(providerVolumeID, 10, 64)
	if err != nil {
		return &provider.PermanentError{
			Code: "invalid_config",
			Err:  fmt.Errorf("bad provider volume id %q: %w", providerVolumeID, err),
		}
	}
	vol, _, err := a.client.Volume.GetByID(ctx, id)
	if err != nil {
		return wrapErr(err)
	}
	if vol == nil {
		return nil
	}
	if vol.Server != nil {
		if _, _, err := a.client.Volume.Detach(ctx, vol); err != nil {
			if werr := wrapErr(err); !provider.IsNotFound(werr) {
				return werr
			}
		}
	}
	_, err = a.client.Volume.Delete(ctx, vol)
	if werr := wrapErr(err); werr != nil && !provider.IsNotFound(werr) {
		return werr
	}
	return nil
}

func (a *Adapter) ResolveBootImage(ctx context.Context, name string) (string, error) {
	image, err := a.resolveImage(ctx, name)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(image.ID, 10), nil
}

func (a *Adapter) FetchCatalog(ctx context.Context) ([]models.InstanceType, error) {
	serverTypes, err := a.client.ServerType.All(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]models.InstanceType, 0, len(serverTypes))
	for _, st := range serverTypes {
		t := models.InstanceType{
			Provider: a.Name(),
			Code:     st.Name,
			Name:     st.Description,
			CPUCount: st.Cores,
			RAMGB:    int(st.Memory),
			IsActive: !st.IsDeprecated(),
		}
		if len(st.Pricings) > 0 {
			if hourly, err := strconv.ParseFloat(st.Pricings[0].Hourly.Gross, 64); err == nil {
				t.CostPerHour = hourly
			}
		}
		out = append(out, t)
	}
	return out, nil
}
