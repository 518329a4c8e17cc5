// Package libvirt creates and terminates stack instances as local libvirt
// guests, driving virsh, virt-install and cloud-localds.
//
// A guest is addressed by the IPv4 address its network's DHCP server
// leased to it, so Terminate maps that address back to a domain through
// the guest's MAC.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/mitchellh/go-homedir"

	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/retry"
)

const (
	DefaultURI       = "qemu:///system"
	defaultNetwork   = "default"
	defaultBaseImage = "/var/lib/libvirt/images/ubuntu-base.qcow2"
	defaultOSVariant = "ubuntu22.04"
	sshKeyMarker     = "__SSH_PUBLIC_KEY__"
)

var errNoLease = errors.New("no DHCP lease yet")

// Provider implements the create capability with libvirt.
type Provider struct {
	uri      string
	seedDir  string
	log      logr.Logger
	run      runFunc
	poll     time.Duration
	maxPolls int
}

// New returns a provider talking to uri that keeps cloud-init seed images
// in seedDir.
func New(uri, seedDir string, log logr.Logger) *Provider {
	if uri == "" {
		uri = DefaultURI
	}
	return &Provider{
		uri:      uri,
		seedDir:  seedDir,
		log:      log,
		run:      execRun,
		poll:     3 * time.Second,
		maxPolls: 100,
	}
}

type guest struct {
	name       string
	network    string
	networkXML string
	memory     int
	vcpus      int
	diskSize   int
	baseImage  string
	osVariant  string
	userData   string
	metaData   string
	publicKey  string
}

func guestFromOptions(opts config.Options) (guest, error) {
	g := guest{
		name:       opts.String("name"),
		network:    opts.String("region"),
		networkXML: opts.String("network_xml"),
		memory:     opts.Int("memory", 2048),
		vcpus:      opts.Int("vcpus", 2),
		diskSize:   opts.Int("disk_size", 20),
		baseImage:  opts.String("base_image"),
		osVariant:  opts.String("os_variant"),
		userData:   opts.String("user_data"),
		metaData:   opts.String("meta_data"),
	}
	if g.name == "" {
		return g, errors.New("name option is required")
	}
	if g.network == "" {
		g.network = defaultNetwork
	}
	if g.baseImage == "" {
		g.baseImage = defaultBaseImage
	}
	if g.osVariant == "" {
		g.osVariant = defaultOSVariant
	}
	if keyFile := opts.String("ssh_public_key"); keyFile != "" {
		path, err := homedir.Expand(keyFile)
		if err != nil {
			return g, fmt.Errorf("expand ssh_public_key: %w", err)
		}
		key, err := os.ReadFile(path)
		if err != nil {
			return g, fmt.Errorf("read public key: %w", err)
		}
		g.publicKey = strings.TrimSpace(string(key))
	}
	if g.userData == "" {
		g.userData = "#cloud-config\nhostname: " + g.name + "\n"
		if g.publicKey != "" {
			g.userData += "ssh_authorized_keys:\n  - " + sshKeyMarker + "\n"
		}
	}
	if g.metaData == "" {
		g.metaData = "instance-id: " + g.name + "\nlocal-hostname: " + g.name + "\n"
	}
	return g, nil
}

// Create boots a guest from the base image and returns its leased IPv4
// address. A guest that already exists is not reinstalled.
func (p *Provider) Create(ctx context.Context, opts config.Options) (string, error) {
	g, err := guestFromOptions(opts)
	if err != nil {
		return "", err
	}
	if err := p.ensureNetwork(ctx, g.network, g.networkXML); err != nil {
		return "", err
	}

	if p.domainExists(ctx, g.name) {
		p.log.Info("domain already exists", "domain", g.name)
	} else {
		if _, err := os.Stat(g.baseImage); err != nil {
			return "", fmt.Errorf("base image not found at %s", g.baseImage)
		}
		seed, err := p.writeSeed(ctx, g)
		if err != nil {
			return "", err
		}
		if err := p.install(ctx, g, seed); err != nil {
			return "", err
		}
	}
	return p.waitForIP(ctx, g.name)
}

// writeSeed builds the cloud-init NoCloud image for g.
func (p *Provider) writeSeed(ctx context.Context, g guest) (string, error) {
	if err := os.MkdirAll(p.seedDir, 0o700); err != nil {
		return "", fmt.Errorf("create seed dir: %w", err)
	}
	tmp, err := os.MkdirTemp("", "stackbuilder-"+g.name+"-")
	if err != nil {
		return "", fmt.Errorf("create cloud-init dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	userData := strings.ReplaceAll(g.userData, sshKeyMarker, g.publicKey)
	userPath := filepath.Join(tmp, "user-data")
	metaPath := filepath.Join(tmp, "meta-data")
	if err := os.WriteFile(userPath, []byte(userData), 0o600); err != nil {
		return "", fmt.Errorf("write user-data: %w", err)
	}
	if err := os.WriteFile(metaPath, []byte(g.metaData), 0o600); err != nil {
		return "", fmt.Errorf("write meta-data: %w", err)
	}

	seed := p.seedPath(g.name)
	p.log.V(1).Info("creating cloud-init seed", "domain", g.name, "seed", seed)
	if _, err := p.run(ctx, "cloud-localds", seed, userPath, metaPath); err != nil {
		return "", fmt.Errorf("cloud-localds: %w", err)
	}
	return seed, nil
}

func (p *Provider) seedPath(name string) string {
	return filepath.Join(p.seedDir, name+"-seed.iso")
}

func (p *Provider) install(ctx context.Context, g guest, seed string) error {
	p.log.Info("installing domain", "domain", g.name, "network", g.network)
	_, err := p.run(ctx, "virt-install",
		"--connect", p.uri,
		"--name", g.name,
		"--memory", strconv.Itoa(g.memory),
		"--vcpus", strconv.Itoa(g.vcpus),
		"--disk", fmt.Sprintf("size=%d,backing_store=%s,format=qcow2", g.diskSize, g.baseImage),
		"--disk", fmt.Sprintf("path=%s,device=cdrom,readonly=on", seed),
		"--os-variant", g.osVariant,
		"--network", "network="+g.network,
		"--graphics", "none",
		"--import",
		"--noautoconsole",
	)
	if err != nil {
		return fmt.Errorf("virt-install: %w", err)
	}
	return nil
}

// waitForIP polls the DHCP leases of the domain's networks until one of its
// interfaces has an address.
func (p *Provider) waitForIP(ctx context.Context, name string) (string, error) {
	var ip string
	err := retry.Do(ctx, func(ctx context.Context) error {
		out, err := p.virsh(ctx, "domiflist", name)
		if err != nil {
			return err
		}
		for _, ifc := range parseDomIfList(out) {
			leases, err := p.leases(ctx, ifc.network)
			if err != nil {
				return err
			}
			for _, l := range leases {
				if l.mac == ifc.mac {
					ip = l.ip
					return nil
				}
			}
		}
		return errNoLease
	},
		retry.Retries(p.maxPolls),
		retry.InitialDelay(p.poll),
		retry.Factor(1),
		retry.MaxDelay(p.poll),
	)
	if err != nil {
		return "", fmt.Errorf("waiting for %s to get an address: %w", name, err)
	}
	return ip, nil
}

func (p *Provider) leases(ctx context.Context, network string) ([]lease, error) {
	out, err := p.virsh(ctx, "net-dhcp-leases", network)
	if err != nil {
		return nil, err
	}
	return parseLeases(out), nil
}

func (p *Provider) domainExists(ctx context.Context, name string) bool {
	_, err := p.virsh(ctx, "dominfo", name)
	return err == nil
}

// Terminate stops and undefines the domain that owns hostname, which is
// either a leased address or a domain name, and removes its storage. When
// region is set only that network's leases are searched. A domain that no
// longer exists counts as terminated.
func (p *Provider) Terminate(ctx context.Context, hostname, region string) error {
	name, err := p.findDomain(ctx, hostname, region)
	if err != nil {
		return err
	}
	if name == "" {
		p.log.Info("domain already gone", "host", hostname)
		return nil
	}

	p.log.Info("destroying domain", "domain", name, "host", hostname)
	// destroy fails for a domain that is not running.
	_, _ = p.virsh(ctx, "destroy", name)
	if _, err := p.virsh(ctx, "undefine", name, "--remove-all-storage"); err != nil {
		return fmt.Errorf("undefine %s: %w", name, err)
	}
	if err := os.Remove(p.seedPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Error(err, "removing seed image", "domain", name)
	}
	return nil
}

func (p *Provider) findDomain(ctx context.Context, hostname, region string) (string, error) {
	out, err := p.virsh(ctx, "list", "--all", "--name")
	if err != nil {
		return "", fmt.Errorf("list domains: %w", err)
	}
	domains := parseNames(out)
	if slices.Contains(domains, hostname) {
		return hostname, nil
	}

	cache := map[string][]lease{}
	for _, d := range domains {
		out, err := p.virsh(ctx, "domiflist", d)
		if err != nil {
			continue
		}
		for _, ifc := range parseDomIfList(out) {
			if region != "" && ifc.network != region {
				continue
			}
			leases, ok := cache[ifc.network]
			if !ok {
				if leases, err = p.leases(ctx, ifc.network); err != nil {
					return "", err
				}
				cache[ifc.network] = leases
			}
			for _, l := range leases {
				if l.mac == ifc.mac && l.ip == hostname {
					return d, nil
				}
			}
		}
	}
	return "", nil
}
