// Package hcloud creates and terminates stack instances on Hetzner Cloud.
//
// Every server it creates carries the label managed-by=stackbuilder, and
// Terminate only ever looks at servers with that label.
package hcloud

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/retry"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "stackbuilder"
)

// Provider implements the create capability against the Hetzner Cloud API.
type Provider struct {
	client     *hcloud.Client
	log        logr.Logger
	retries    int
	retryDelay time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithClient replaces the API client, e.g. to point at a test server.
func WithClient(c *hcloud.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithRetry sets how often, and how soon, a failed create is retried.
func WithRetry(retries int, delay time.Duration) Option {
	return func(p *Provider) {
		p.retries = retries
		p.retryDelay = delay
	}
}

// New returns a provider authenticated with token.
func New(token string, opts ...Option) *Provider {
	p := &Provider{
		client:     hcloud.NewClient(hcloud.WithToken(token), hcloud.WithApplication("stackbuilder", "")),
		log:        logr.Discard(),
		retries:    5,
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create creates one server and returns its public IPv4, or its name when
// it has none. Recognised options: name, type, image, region (location),
// ssh_keys, user_data, labels.
func (p *Provider) Create(ctx context.Context, opts config.Options) (string, error) {
	createOpts, err := p.createOpts(ctx, opts)
	if err != nil {
		return "", err
	}

	var result hcloud.ServerCreateResult
	err = retry.Do(ctx, func(ctx context.Context) error {
		res, _, err := p.client.Server.Create(ctx, createOpts)
		if err != nil {
			if isInvalidParameter(err) {
				return retry.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	},
		retry.Retries(p.retries),
		retry.InitialDelay(p.retryDelay),
		retry.Notify(func(attempt int, err error, wait time.Duration) {
			p.log.Info("server create failed, retrying", "server", createOpts.Name, "attempt", attempt, "wait", wait, "error", err.Error())
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create server %s: %w", createOpts.Name, err)
	}

	actions := append([]*hcloud.Action{result.Action}, result.NextActions...)
	if err := p.client.Action.WaitFor(ctx, actions...); err != nil {
		return "", fmt.Errorf("failed to wait for server %s: %w", createOpts.Name, err)
	}

	p.log.V(1).Info("server created", "server", result.Server.Name, "id", result.Server.ID)
	return hostname(result.Server), nil
}

func (p *Provider) createOpts(ctx context.Context, opts config.Options) (hcloud.ServerCreateOpts, error) {
	name := opts.String("name")
	if name == "" {
		return hcloud.ServerCreateOpts{}, errors.New("name option is required")
	}

	serverType, _, err := p.client.ServerType.Get(ctx, opts.String("type"))
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("failed to get server type: %w", err)
	}
	if serverType == nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("server type not found: %q", opts.String("type"))
	}

	image, _, err := p.client.Image.GetForArchitecture(ctx, opts.String("image"), serverType.Architecture)
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("failed to get image: %w", err)
	}
	if image == nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("image not found: %q", opts.String("image"))
	}

	var location *hcloud.Location
	if region := opts.String("region"); region != "" {
		location, _, err = p.client.Location.Get(ctx, region)
		if err != nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("failed to get location: %w", err)
		}
		if location == nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("location not found: %q", region)
		}
	}

	var keys []*hcloud.SSHKey
	for _, k := range opts.Strings("ssh_keys") {
		key, _, err := p.client.SSHKey.Get(ctx, k)
		if err != nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("failed to get ssh key: %w", err)
		}
		if key == nil {
			return hcloud.ServerCreateOpts{}, fmt.Errorf("ssh key not found: %q", k)
		}
		keys = append(keys, key)
	}

	labels := opts.StringMap("labels")
	labels[managedByLabel] = managedByValue

	return hcloud.ServerCreateOpts{
		Name:       name,
		ServerType: serverType,
		Image:      image,
		Location:   location,
		SSHKeys:    keys,
		UserData:   opts.String("user_data"),
		Labels:     labels,
	}, nil
}

// Terminate deletes the managed server whose public IPv4 or name is
// hostname. A server that no longer exists counts as terminated.
func (p *Provider) Terminate(ctx context.Context, hostname, region string) error {
	servers, err := p.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: managedByLabel + "=" + managedByValue},
	})
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}

	var server *hcloud.Server
	for _, s := range servers {
		if s.Name == hostname || (s.PublicNet.IPv4.IP != nil && s.PublicNet.IPv4.IP.String() == hostname) {
			server = s
			break
		}
	}
	if server == nil {
		p.log.Info("server already gone", "host", hostname, "region", region)
		return nil
	}

	result, _, err := p.client.Server.DeleteWithResult(ctx, server)
	if err != nil {
		if isErrorCode(err, hcloud.ErrorCodeNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete server %s: %w", server.Name, err)
	}
	if result != nil && result.Action != nil {
		if err := p.client.Action.WaitFor(ctx, result.Action); err != nil {
			return fmt.Errorf("failed to wait for deletion of server %s: %w", server.Name, err)
		}
	}
	return nil
}

func hostname(s *hcloud.Server) string {
	if ip := s.PublicNet.IPv4.IP; ip != nil && !ip.IsUnspecified() {
		return ip.String()
	}
	return s.Name
}

// isInvalidParameter reports API errors that no retry can fix.
func isInvalidParameter(err error) bool {
	return isErrorCode(err,
		hcloud.ErrorCodeNotFound,
		hcloud.ErrorCodeInvalidInput,
		hcloud.ErrorCodeInvalidServerType,
		hcloud.ErrorCodeUniquenessError,
	)
}

func isErrorCode(err error, codes ...hcloud.ErrorCode) bool {
	var apiErr hcloud.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return slices.Contains(codes, apiErr.Code)
}
