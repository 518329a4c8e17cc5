package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestNarrationPrefixes(t *testing.T) {
	var out, errOut bytes.Buffer
	restore := SetOutput(&out, &errOut)
	defer restore()

	Info("creating web")
	Ok("web created")
	Skip("db has no create phase")
	Warn("terminate skipped")
	Error("create failed")

	wantOut := "[+] creating web\n[✓] web created\n[=] db has no create phase\n"
	if out.String() != wantOut {
		t.Errorf("stdout = %q, want %q", out.String(), wantOut)
	}
	if !strings.Contains(errOut.String(), "[-] terminate skipped") {
		t.Errorf("stderr missing warning: %q", errOut.String())
	}
	if !strings.Contains(errOut.String(), "[!] create failed") {
		t.Errorf("stderr missing error: %q", errOut.String())
	}
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "WARNING", "error"} {
		if _, err := New(level); err != nil {
			t.Errorf("New(%q): %v", level, err)
		}
	}
	if _, err := New("verbose"); err == nil {
		t.Error("expected error for unknown level, got nil")
	}
}
