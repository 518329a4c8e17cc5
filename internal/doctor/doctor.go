// Package doctor checks that the host has what stackbuilder needs.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/h3ow3d/stackbuilder/internal/xdg"
)

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	Name     string
	OK       bool
	Message  string
	HowToFix string
}

// Options selects the checks that depend on tool settings.
type Options struct {
	Provider    string // hcloud or libvirt
	LibvirtURI  string
	HCloudToken string
	// StackDir is where file-backed stack records live. Empty skips the
	// check, e.g. when records are kept in S3.
	StackDir string
}

// Run performs every applicable check. It never fails itself; pass/fail is
// encoded in each result.
func Run(dirs xdg.Dirs, opts Options) []CheckResult {
	results := []CheckResult{
		checkCommand("ssh", "ssh", "-V"),
		checkCommand("tmux", "tmux", "-V"),
	}
	switch opts.Provider {
	case "libvirt":
		results = append(results,
			checkCommand("virsh", "virsh", "--version"),
			checkCommand("virt-install", "virt-install", "--version"),
			checkLookPath("cloud-localds"),
			checkLibvirtConn(opts.LibvirtURI),
		)
	case "hcloud":
		results = append(results, checkToken(opts.HCloudToken))
	}
	results = append(results, checkDirs(dirs))
	if opts.StackDir != "" {
		results = append(results, checkWritable("stack records", opts.StackDir))
	}
	return results
}

// Failed reports whether any result failed.
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK {
			return true
		}
	}
	return false
}

// checkCommand verifies that an executable is on PATH and runs without error.
func checkCommand(name, bin string, args ...string) CheckResult {
	path, err := exec.LookPath(bin)
	if err != nil {
		return CheckResult{
			Name:     name,
			Message:  fmt.Sprintf("%s not found in PATH", bin),
			HowToFix: installHint(bin),
		}
	}
	cmd := exec.Command(path, args...) //nolint:gosec // path is resolved via LookPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return CheckResult{
			Name:     name,
			Message:  fmt.Sprintf("%s found but failed: %s", bin, string(out)),
			HowToFix: installHint(bin),
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s found", path)}
}

// checkLookPath is checkCommand for tools without a harmless flag to run.
func checkLookPath(bin string) CheckResult {
	path, err := exec.LookPath(bin)
	if err != nil {
		return CheckResult{
			Name:     bin,
			Message:  fmt.Sprintf("%s not found in PATH", bin),
			HowToFix: installHint(bin),
		}
	}
	return CheckResult{Name: bin, OK: true, Message: fmt.Sprintf("%s found", path)}
}

func checkLibvirtConn(uri string) CheckResult {
	const name = "libvirt connectivity"
	if uri == "" {
		uri = "qemu:///system"
	}
	path, err := exec.LookPath("virsh")
	if err != nil {
		return CheckResult{
			Name:     name,
			Message:  "virsh not found; cannot check libvirt connectivity",
			HowToFix: installHint("virsh"),
		}
	}
	cmd := exec.Command(path, "--connect", uri, "version") //nolint:gosec
	if out, err := cmd.CombinedOutput(); err != nil {
		return CheckResult{
			Name:    name,
			Message: fmt.Sprintf("cannot connect to %s: %s", uri, string(out)),
			HowToFix: "Ensure libvirtd is running and your user is in the 'libvirt' group:\n" +
				"  sudo systemctl start libvirtd\n" +
				"  sudo usermod -aG libvirt \"$USER\"   # then log out and back in",
		}
	}
	return CheckResult{Name: name, OK: true, Message: "connected to " + uri}
}

func checkToken(token string) CheckResult {
	const name = "hcloud token"
	if token == "" {
		return CheckResult{
			Name:     name,
			Message:  "no Hetzner Cloud API token configured",
			HowToFix: "Set STACKBUILDER_HCLOUD_TOKEN or hcloud-token in the config file.",
		}
	}
	return CheckResult{Name: name, OK: true, Message: "token configured"}
}

// checkDirs verifies that stackbuilder can create its XDG directories.
func checkDirs(dirs xdg.Dirs) CheckResult {
	const name = "XDG directory access"
	if err := dirs.EnsureDirs(); err != nil {
		return CheckResult{
			Name:     name,
			Message:  fmt.Sprintf("cannot create stackbuilder directories: %v", err),
			HowToFix: "Check that your home directory is writable and you have sufficient disk space.",
		}
	}
	return CheckResult{
		Name:    name,
		OK:      true,
		Message: fmt.Sprintf("XDG dirs ready (config=%s data=%s state=%s)", dirs.Config, dirs.Data, dirs.State),
	}
}

// checkWritable creates and removes a probe file in dir.
func checkWritable(name, dir string) CheckResult {
	fail := func(err error) CheckResult {
		return CheckResult{
			Name:     name,
			Message:  fmt.Sprintf("%s is not writable: %v", dir, err),
			HowToFix: "Fix the permissions of " + dir + " or point --state-dir elsewhere.",
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fail(err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fail(err)
	}
	f.Close()
	_ = os.Remove(f.Name())
	return CheckResult{Name: name, OK: true, Message: filepath.Clean(dir) + " is writable"}
}

func installHint(bin string) string {
	hints := map[string]string{
		"ssh":           "sudo apt install openssh-client",
		"tmux":          "sudo apt install tmux",
		"virsh":         "sudo apt install libvirt-clients",
		"virt-install":  "sudo apt install virtinst",
		"cloud-localds": "sudo apt install cloud-image-utils",
	}
	if hint, ok := hints[bin]; ok {
		return hint
	}
	return fmt.Sprintf("Install %q and ensure it is on your PATH.", bin)
}
