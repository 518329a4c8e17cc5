package libvirt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runFunc runs an external command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return out, nil
}

// virsh runs a virsh subcommand against the provider's connection URI.
func (p *Provider) virsh(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"--connect", p.uri}, args...)
	return p.run(ctx, "virsh", full...)
}

type iface struct {
	network string
	mac     string
}

// parseDomIfList reads the network interfaces out of `virsh domiflist`.
func parseDomIfList(out []byte) []iface {
	var ifaces []iface
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 5 && fields[1] == "network" {
			ifaces = append(ifaces, iface{network: fields[2], mac: strings.ToLower(fields[4])})
		}
	}
	return ifaces
}

type lease struct {
	mac string
	ip  string
}

// parseLeases reads IPv4 leases out of `virsh net-dhcp-leases`. Addresses
// are returned without their prefix length.
func parseLeases(out []byte) []lease {
	var leases []lease
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		// expiry date, expiry time, mac, protocol, address, ...
		if len(fields) < 5 || fields[3] != "ipv4" {
			continue
		}
		ip, _, _ := strings.Cut(fields[4], "/")
		leases = append(leases, lease{mac: strings.ToLower(fields[2]), ip: ip})
	}
	return leases
}

// parseNetActive reports the Active: line of `virsh net-info`.
func parseNetActive(out []byte) bool {
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "Active:"); ok {
			return strings.TrimSpace(rest) == "yes"
		}
	}
	return false
}

// parseNames splits `virsh list --name` output, dropping blank lines.
func parseNames(out []byte) []string {
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names
}
