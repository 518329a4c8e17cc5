package doctor

import (
	"path/filepath"
	"testing"

	"github.com/h3ow3d/stackbuilder/internal/xdg"
)

func tempDirs(t *testing.T) xdg.Dirs {
	t.Helper()
	tmp := t.TempDir()
	return xdg.Dirs{
		Config: filepath.Join(tmp, "config", "stackbuilder"),
		Data:   filepath.Join(tmp, "data", "stackbuilder"),
		State:  filepath.Join(tmp, "state", "stackbuilder"),
	}
}

func find(t *testing.T, results []CheckResult, name string) CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("check %q not found in %+v", name, results)
	return CheckResult{}
}

func TestRunReturnsResults(t *testing.T) {
	results := Run(tempDirs(t), Options{Provider: "libvirt"})
	if len(results) == 0 {
		t.Fatal("Run returned no results")
	}
	for _, r := range results {
		if r.Name == "" {
			t.Errorf("CheckResult has empty Name: %+v", r)
		}
		if r.Message == "" {
			t.Errorf("CheckResult %q has empty Message", r.Name)
		}
		if !r.OK && r.HowToFix == "" {
			t.Errorf("failed check %q is missing HowToFix hint", r.Name)
		}
	}
	find(t, results, "virsh")
	find(t, results, "libvirt connectivity")
}

func TestRunProviderSpecificChecks(t *testing.T) {
	results := Run(tempDirs(t), Options{Provider: "hcloud"})
	for _, r := range results {
		if r.Name == "virsh" {
			t.Error("virsh checked for the hcloud provider")
		}
	}
	if tok := find(t, results, "hcloud token"); tok.OK {
		t.Error("hcloud token check passed without a token")
	}

	results = Run(tempDirs(t), Options{Provider: "hcloud", HCloudToken: "secret"})
	if tok := find(t, results, "hcloud token"); !tok.OK {
		t.Errorf("hcloud token check failed: %s", tok.Message)
	}
}

func TestRunDirChecksPass(t *testing.T) {
	dirs := tempDirs(t)
	results := Run(dirs, Options{StackDir: dirs.StacksDir()})
	if r := find(t, results, "XDG directory access"); !r.OK {
		t.Errorf("XDG directory access check failed: %s", r.Message)
	}
	if r := find(t, results, "stack records"); !r.OK {
		t.Errorf("stack records check failed: %s", r.Message)
	}
}

func TestRunDirChecksFailOnUnwritable(t *testing.T) {
	dirs := xdg.Dirs{
		Config: "/proc/stackbuilder/config",
		Data:   "/proc/stackbuilder/data",
		State:  "/proc/stackbuilder/state",
	}
	results := Run(dirs, Options{StackDir: "/proc/stackbuilder/stacks"})
	for _, name := range []string{"XDG directory access", "stack records"} {
		r := find(t, results, name)
		if r.OK {
			t.Errorf("%s check passed for an unwritable path", name)
		}
		if r.HowToFix == "" {
			t.Errorf("failed %s check must provide a HowToFix hint", name)
		}
	}
	if !Failed(results) {
		t.Error("Failed = false, want true")
	}
}
