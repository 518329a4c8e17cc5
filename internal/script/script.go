// Package script renders install scripts from embedded mode templates and
// writes them to a stack's script directory.
package script

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/template"
	"time"

	"github.com/h3ow3d/stackbuilder/internal/config"
)

// Mode selects the template a script is rendered from.
type Mode string

const (
	ModeMaster Mode = "master"
	ModeAgent  Mode = "agent"
	ModeApply  Mode = "apply"
	ModeTest   Mode = "test"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("scripts").Option("missingkey=zero").ParseFS(templateFS, "templates/*.tmpl"))

// Input is the data a template renders.
type Input struct {
	// Certname is the node's own name, or its hostname in master mode.
	Certname string
	// Puppetmaster is the resolved master hostname, empty when there is none.
	Puppetmaster string
	Options      config.Options
	GitRepos     map[string]string
	Manifest     string
	// Commands are extra shell lines, taken from the "commands" option.
	Commands []string
}

// NewInput builds the template input for a node phase.
func NewInput(certname, puppetmaster string, opts config.Options, gitRepos map[string]string, manifest string) Input {
	return Input{
		Certname:     certname,
		Puppetmaster: puppetmaster,
		Options:      opts,
		GitRepos:     gitRepos,
		Manifest:     manifest,
		Commands:     opts.Strings("commands"),
	}
}

// Compile renders the template for mode.
func Compile(mode Mode, in Input) (string, error) {
	tmpl := templates.Lookup(string(mode) + ".tmpl")
	if tmpl == nil {
		return "", fmt.Errorf("no script template for mode %q", mode)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("render %s script: %w", mode, err)
	}
	return buf.String(), nil
}

// Writer writes compiled scripts into Dir.
type Writer struct {
	Dir string
	Now func() time.Time
}

// Write stores text under a name derived from hostname and the current time
// and returns the absolute path. It never overwrites an existing script:
// a name already taken gets a numeric suffix.
func (w Writer) Write(hostname, text string) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create script dir %s: %w", w.Dir, err)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	stem := fmt.Sprintf("%s-%d", hostname, now().Unix())

	for i := 0; ; i++ {
		name := stem
		if i > 0 {
			name = stem + "-" + strconv.Itoa(i)
		}
		path := filepath.Join(w.Dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create script %s: %w", path, err)
		}
		if _, err := f.WriteString(text); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write script %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close script %s: %w", path, err)
		}
		return filepath.Abs(path)
	}
}
