package libvirt

import (
	"context"
	"fmt"

	"github.com/mitchellh/go-homedir"
)

// ensureNetwork makes sure the named network exists and is active. A
// network that is not defined yet is defined from xmlPath when one is
// given.
func (p *Provider) ensureNetwork(ctx context.Context, name, xmlPath string) error {
	out, err := p.virsh(ctx, "net-info", name)
	if err != nil {
		if xmlPath == "" {
			return fmt.Errorf("network %s is not defined and no network_xml was given: %w", name, err)
		}
		path, err := homedir.Expand(xmlPath)
		if err != nil {
			return fmt.Errorf("expand network_xml: %w", err)
		}
		p.log.Info("defining network", "network", name, "xml", path)
		if _, err := p.virsh(ctx, "net-define", path); err != nil {
			return fmt.Errorf("net-define: %w", err)
		}
		if _, err := p.virsh(ctx, "net-autostart", name); err != nil {
			return fmt.Errorf("net-autostart: %w", err)
		}
		out = nil
	}

	if parseNetActive(out) {
		return nil
	}
	p.log.Info("starting network", "network", name)
	if _, err := p.virsh(ctx, "net-start", name); err != nil {
		return fmt.Errorf("net-start: %w", err)
	}
	return nil
}
