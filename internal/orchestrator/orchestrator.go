// Package orchestrator sequences a stack build, Validated → Created →
// Persisted → Installed → Tested, and implements destroy, list and
// session resolution on top of the stack store.
//
// Groups run one after another and the nodes of a group run concurrently.
// The master's batch always completes before any node group starts. A
// node that fails a phase is reported; it never aborts the build, and its
// later phases still run. A node whose create failed is addressed by its
// entity name. Only validation errors abort, and they do so before
// anything is created.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/go-logr/logr"

	"github.com/h3ow3d/stackbuilder/internal/batch"
	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/script"
	"github.com/h3ow3d/stackbuilder/internal/stack"
)

// Provisioner creates and terminates instances.
type Provisioner interface {
	Create(ctx context.Context, opts config.Options) (hostname string, err error)
	Terminate(ctx context.Context, hostname, region string) error
}

// Installer applies a compiled script, passed as opts["install_script"],
// to a host.
type Installer interface {
	Install(ctx context.Context, hostname string, opts config.Options) (output string, err error)
}

// State is how far a build got.
type State int

const (
	Validated State = iota + 1
	Created
	Persisted
	Installed
	Tested
)

func (s State) String() string {
	switch s {
	case Validated:
		return "validated"
	case Created:
		return "created"
	case Persisted:
		return "persisted"
	case Installed:
		return "installed"
	case Tested:
		return "tested"
	}
	return "unknown"
}

// Failure is one node's failed phase.
type Failure struct {
	Phase config.Phase
	Node  string
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Phase, f.Node, f.Err)
}

// Report is the outcome of a build.
type Report struct {
	Stack    string
	State    State
	Record   *stack.Record
	Failures []Failure
}

func (r *Report) collect(phase config.Phase, failures map[string]error) {
	for _, name := range slices.Sorted(maps.Keys(failures)) {
		r.Failures = append(r.Failures, Failure{Phase: phase, Node: name, Err: failures[name]})
	}
}

// Orchestrator drives builds against one store and one pair of
// collaborators.
type Orchestrator struct {
	store       stack.Store
	provisioner Provisioner
	installer   Installer
	log         logr.Logger
	limit       int
	scriptDir   func(stackName string) string
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l logr.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithLimit bounds how many nodes of a group run a phase at once. Zero,
// the default, runs every node of a group at once.
func WithLimit(n int) Option {
	return func(o *Orchestrator) { o.limit = n }
}

// WithScriptDir sets where a stack's install scripts are written.
func WithScriptDir(fn func(stackName string) string) Option {
	return func(o *Orchestrator) { o.scriptDir = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an orchestrator. Scripts go to ./scripts/<stack> unless
// WithScriptDir says otherwise.
func New(store stack.Store, p Provisioner, i Installer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		provisioner: p,
		installer:   i,
		log:         logr.Discard(),
		scriptDir:   func(name string) string { return "scripts/" + name },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) batch(name string) batch.Batch {
	return batch.Batch{Log: o.log.WithValues("stack", name), Limit: o.limit}
}

// Build creates, records, installs and tests the stack described by cfg.
// The returned error is non-nil only for failures that stop the build:
// an invalid or taken name, or a record that cannot be written. Per-node
// failures are in the report.
func (o *Orchestrator) Build(ctx context.Context, name string, cfg *config.StackConfig) (*Report, error) {
	if err := stack.ValidateName(name); err != nil {
		return nil, err
	}
	exists, err := o.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s (stack names must be unique)", stack.ErrExists, name)
	}
	handle, err := o.store.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	report := &Report{Stack: name, State: Validated}
	log := o.log.WithValues("stack", name)

	report.Record = o.create(ctx, name, cfg, report)
	report.State = Created

	if err := o.store.Save(ctx, handle, report.Record); err != nil {
		return report, fmt.Errorf("persist stack %s: %w", name, err)
	}
	report.State = Persisted
	log.Info("stack persisted", "master", len(report.Record.Master), "nodes", len(report.Record.Nodes))

	o.install(ctx, name, cfg, report)
	report.State = Installed

	o.test(ctx, name, cfg, report)
	report.State = Tested
	return report, nil
}

func (o *Orchestrator) create(ctx context.Context, name string, cfg *config.StackConfig, report *Report) *stack.Record {
	rec := stack.NewRecord()
	op := func(ctx context.Context, node config.NodeSpec) (stack.Host, error) {
		opts := node.Options(config.PhaseCreate)
		hostname, err := o.provisioner.Create(ctx, opts)
		if err != nil {
			return stack.Host{}, err
		}
		o.log.Info("instance created", "stack", name, "node", node.Name, "hostname", hostname)
		return stack.Host{Hostname: hostname, Region: opts.String("region")}, nil
	}

	if cfg.Master != nil {
		res := batch.Run(ctx, o.batch(name), config.Group{*cfg.Master}, config.PhaseCreate, op)
		maps.Copy(rec.Master, res.Values)
		report.collect(config.PhaseCreate, res.Failures)
	}
	for _, group := range cfg.Groups {
		res := batch.Run(ctx, o.batch(name), group, config.PhaseCreate, op)
		maps.Copy(rec.Nodes, res.Values)
		report.collect(config.PhaseCreate, res.Failures)
	}
	return rec
}

// puppetmaster resolves the master hostname handed to node installs: the
// created master's hostname, else the master's own name, else nothing.
func puppetmaster(cfg *config.StackConfig, rec *stack.Record) string {
	if _, h, ok := rec.MasterHost(); ok {
		return h.Hostname
	}
	if cfg.Master != nil {
		return cfg.Master.Name
	}
	return ""
}

func (o *Orchestrator) install(ctx context.Context, name string, cfg *config.StackConfig, report *Report) {
	pm := puppetmaster(cfg, report.Record)
	w := script.Writer{Dir: o.scriptDir(name), Now: o.now}

	if cfg.Master != nil {
		op := o.installOp(w, report.Record.Master, script.ModeMaster, pm)
		res := batch.Run(ctx, o.batch(name), config.Group{*cfg.Master}, config.PhaseInstall, op)
		report.collect(config.PhaseInstall, res.Failures)
	}
	mode := script.Mode(cfg.RunType)
	for _, group := range cfg.Groups {
		op := o.installOp(w, report.Record.Nodes, mode, pm)
		res := batch.Run(ctx, o.batch(name), group, config.PhaseInstall, op)
		report.collect(config.PhaseInstall, res.Failures)
	}
}

func (o *Orchestrator) test(ctx context.Context, name string, cfg *config.StackConfig, report *Report) {
	w := script.Writer{Dir: o.scriptDir(name), Now: o.now}
	for _, group := range cfg.Groups {
		op := o.installOp(w, report.Record.Nodes, script.ModeTest, "")
		res := batch.Run(ctx, o.batch(name), group, config.PhaseTest, op)
		report.collect(config.PhaseTest, res.Failures)
	}
}

// installOp compiles the node's script for mode, writes it, and hands it to
// the installer. A node that was not created is addressed by its name.
func (o *Orchestrator) installOp(w script.Writer, created map[string]stack.Host, mode script.Mode, pm string) batch.Operation[string] {
	return func(ctx context.Context, node config.NodeSpec) (string, error) {
		hostname := node.Name
		if h, ok := created[node.Name]; ok && h.Hostname != "" {
			hostname = h.Hostname
		}
		certname := node.Name
		if mode == script.ModeMaster {
			certname = hostname
		}

		var opts config.Options
		var in script.Input
		if mode == script.ModeTest {
			opts = node.Test.Options
			in = script.NewInput(certname, pm, opts, nil, opts.String("manifest"))
		} else {
			opts = node.Install.Options
			in = script.NewInput(certname, pm, opts, node.Install.GitRepos, node.Install.Manifest)
		}

		text, err := script.Compile(mode, in)
		if err != nil {
			return "", err
		}
		path, err := w.Write(hostname, text)
		if err != nil {
			return "", err
		}

		opts = opts.Clone()
		opts["install_script"] = path
		out, err := o.installer.Install(ctx, hostname, opts)
		if err != nil {
			return out, err
		}
		o.log.V(1).Info("install finished", "node", node.Name, "hostname", hostname, "mode", mode, "output", out)
		return out, nil
	}
}

// Destroy terminates everything the stack created, master first, then
// nodes by name, and moves the record into the destroyed area. When any
// terminate fails the record stays where it is, so destroy can be retried,
// and every terminate error is returned.
func (o *Orchestrator) Destroy(ctx context.Context, name string) (string, error) {
	rec, err := o.store.Load(ctx, name)
	if err != nil {
		return "", err
	}
	log := o.log.WithValues("stack", name)

	var errs []error
	terminate := func(entity string, h stack.Host) {
		log.Info("terminating", "node", entity, "hostname", h.Hostname, "region", h.Region)
		if err := o.provisioner.Terminate(ctx, h.Hostname, h.Region); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s (%s): %w", entity, h.Hostname, err))
		}
	}
	if master, h, ok := rec.MasterHost(); ok {
		terminate(master, h)
	}
	for _, node := range rec.NodeNames() {
		terminate(node, rec.Nodes[node])
	}
	if err := errors.Join(errs...); err != nil {
		return "", fmt.Errorf("destroy stack %s: %w", name, err)
	}

	dest, err := o.store.Destroy(ctx, name)
	if err != nil {
		return "", err
	}
	log.Info("stack destroyed", "record", dest)
	return dest, nil
}

// List returns every active stack.
func (o *Orchestrator) List(ctx context.Context) ([]stack.Entry, error) {
	return o.store.List(ctx)
}
