package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/stack"
)

var fixedNow = time.Unix(1700000000, 0)

type fakeProvisioner struct {
	mu         sync.Mutex
	creates    []config.Options
	terminated []string
	events     []string
	// createFn decides the outcome of a create; nil returns <name>.example.com.
	createFn    func(opts config.Options) (string, error)
	terminateFn func(hostname string) error
}

func (p *fakeProvisioner) Create(_ context.Context, opts config.Options) (string, error) {
	p.mu.Lock()
	p.creates = append(p.creates, opts.Clone())
	p.events = append(p.events, "start "+opts.String("name"))
	p.mu.Unlock()

	var host string
	var err error
	if p.createFn != nil {
		host, err = p.createFn(opts)
	} else {
		host = opts.String("name") + ".example.com"
	}

	p.mu.Lock()
	p.events = append(p.events, "end "+opts.String("name"))
	p.mu.Unlock()
	return host, err
}

func (p *fakeProvisioner) Terminate(_ context.Context, hostname, region string) error {
	p.mu.Lock()
	p.terminated = append(p.terminated, hostname+"@"+region)
	p.mu.Unlock()
	if p.terminateFn != nil {
		return p.terminateFn(hostname)
	}
	return nil
}

type installCall struct {
	hostname string
	opts     config.Options
	script   string
}

type fakeInstaller struct {
	mu    sync.Mutex
	calls []installCall
	err   error
}

func (i *fakeInstaller) Install(_ context.Context, hostname string, opts config.Options) (string, error) {
	text, err := os.ReadFile(opts.String("install_script"))
	if err != nil {
		return "", err
	}
	i.mu.Lock()
	i.calls = append(i.calls, installCall{hostname: hostname, opts: opts, script: string(text)})
	i.mu.Unlock()
	return "ok", i.err
}

func (i *fakeInstaller) byHost(t *testing.T, hostname string) installCall {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, c := range i.calls {
		if c.hostname == hostname {
			return c
		}
	}
	t.Fatalf("no install on %s in %+v", hostname, i.calls)
	return installCall{}
}

type fixture struct {
	store     *stack.FileStore
	prov      *fakeProvisioner
	inst      *fakeInstaller
	scriptDir string
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		store:     stack.NewFileStore(filepath.Join(root, "stacks")),
		prov:      &fakeProvisioner{},
		inst:      &fakeInstaller{},
		scriptDir: filepath.Join(root, "scripts"),
	}
	f.store.Now = func() time.Time { return fixedNow }
	f.orch = New(f.store, f.prov, f.inst,
		WithScriptDir(func(name string) string { return filepath.Join(f.scriptDir, name) }),
		WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func load(t *testing.T, doc string, defaults config.Defaults) *config.StackConfig {
	t.Helper()
	d, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	cfg, err := config.Normalize(d, defaults)
	require.NoError(t, err)
	return cfg
}

func TestBuildEmptyConfigCreatesNothing(t *testing.T) {
	f := newFixture(t)
	report, err := f.orch.Build(context.Background(), "empty", load(t, "", config.Defaults{}))
	require.NoError(t, err)

	assert.Equal(t, Tested, report.State)
	assert.Empty(t, f.prov.creates)
	assert.Empty(t, f.inst.calls)
	assert.Empty(t, report.Failures)

	rec, err := f.store.Load(context.Background(), "empty")
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestBuildPersistsCreatedNode(t *testing.T) {
	f := newFixture(t)
	f.prov.createFn = func(config.Options) (string, error) { return "ec2-1.example.com", nil }
	cfg := load(t, `
nodes:
  - n1:
      create:
        options:
          image: ami-1
`, config.Defaults{})

	_, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)

	require.Len(t, f.prov.creates, 1)
	assert.Equal(t, config.Options{"image": "ami-1"}, f.prov.creates[0])

	rec, err := f.store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]stack.Host{"n1": {Hostname: "ec2-1.example.com"}}, rec.Nodes)
	assert.Empty(t, rec.Master)
}

func TestBuildNodeOptionsOverrideDefaults(t *testing.T) {
	f := newFixture(t)
	cfg := load(t, `
defaults:
  create:
    options:
      type: t1.tiny
      image: ami-base
nodes:
  - web:
      create:
        options:
          name: web
          type: m1.small
`, config.Defaults{})

	_, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)

	require.Len(t, f.prov.creates, 1)
	assert.Equal(t, "m1.small", f.prov.creates[0]["type"])
	assert.Equal(t, "ami-base", f.prov.creates[0]["image"])
}

func TestBuildTwiceFailsWithoutCreating(t *testing.T) {
	f := newFixture(t)
	cfg := load(t, `
nodes:
  - web:
      create:
        options: {name: web}
`, config.Defaults{})

	_, err := f.orch.Build(context.Background(), "dup", cfg)
	require.NoError(t, err)
	require.Len(t, f.prov.creates, 1)

	report, err := f.orch.Build(context.Background(), "dup", cfg)
	require.ErrorIs(t, err, stack.ErrExists)
	assert.Nil(t, report)
	assert.Len(t, f.prov.creates, 1, "second build must not create anything")
}

func TestBuildRejectsInvalidName(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Build(context.Background(), "a/b", load(t, "", config.Defaults{}))
	require.ErrorIs(t, err, stack.ErrInvalidName)
}

func TestBuildAgentScriptReferencesMaster(t *testing.T) {
	f := newFixture(t)
	cfg := load(t, `
puppet_run_type: agent
master:
  pm:
    create:
      options: {name: pm}
    install:
      options: {keyfile: /k/id}
nodes:
  - web:
      create:
        options: {name: web}
      install:
        options: {login: ubuntu}
        git_repos:
          https://example.com/site.git: /etc/puppet/modules/site
`, config.Defaults{})

	report, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)

	web := f.inst.byHost(t, "web.example.com")
	assert.Contains(t, web.script, "--server=pm.example.com")
	assert.Contains(t, web.script, "--certname=web ")
	assert.Contains(t, web.script, "git clone https://example.com/site.git /etc/puppet/modules/site")
	assert.Equal(t, "ubuntu", web.opts["login"])

	master := f.inst.byHost(t, "pm.example.com")
	assert.Contains(t, master.script, "puppet config set certname pm.example.com")
	assert.Equal(t, "/k/id", master.opts["keyfile"])

	wantScript := filepath.Join(f.scriptDir, "s1", "web.example.com-1700000000")
	assert.Equal(t, wantScript, web.opts["install_script"])
	assert.FileExists(t, wantScript)
}

func TestBuildMasterNameUsedWhenMasterNotCreated(t *testing.T) {
	f := newFixture(t)
	cfg := load(t, `
puppet_run_type: agent
master:
  puppet.internal: {}
nodes:
  - web:
      install: {}
`, config.Defaults{})

	_, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.Empty(t, f.prov.creates)

	// Nothing was created, so the node is addressed by its name.
	web := f.inst.byHost(t, "web")
	assert.Contains(t, web.script, "--server=puppet.internal")
}

func TestBuildIsolatesCreateFailure(t *testing.T) {
	f := newFixture(t)
	f.prov.createFn = func(opts config.Options) (string, error) {
		if opts.String("name") == "bad" {
			return "", errors.New("quota exceeded")
		}
		return opts.String("name") + ".example.com", nil
	}
	cfg := load(t, `
nodes:
  - bad:
      create:
        options: {name: bad}
      install: {}
    good:
      create:
        options: {name: good}
`, config.Defaults{})

	report, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.Equal(t, Tested, report.State)

	rec, err := f.store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, rec.NodeNames())

	require.NotEmpty(t, report.Failures)
	assert.Equal(t, config.PhaseCreate, report.Failures[0].Phase)
	assert.Equal(t, "bad", report.Failures[0].Node)
	assert.ErrorContains(t, report.Failures[0].Err, "quota exceeded")

	// The failed node is still installed, addressed by its entity name.
	bad := f.inst.byHost(t, "bad")
	assert.Contains(t, bad.script, "bad")
	assert.Len(t, report.Failures, 1)
}

func TestBuildReportsInstallFailures(t *testing.T) {
	f := newFixture(t)
	f.inst.err = errors.New("puppet run failed")
	cfg := load(t, `
nodes:
  - web:
      create:
        options: {name: web}
      install: {}
`, config.Defaults{})

	report, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.Equal(t, Tested, report.State)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, config.PhaseInstall, report.Failures[0].Phase)
	assert.Equal(t, "web", report.Failures[0].Node)
}

func TestBuildTestPhaseUsesInstallDefaults(t *testing.T) {
	f := newFixture(t)
	cfg := load(t, `
defaults:
  install:
    options:
      keyfile: /k/id
      login: ubuntu
nodes:
  - web:
      create:
        options: {name: web}
      test:
        options:
          login: admin
          commands:
            - curl -fsS localhost
`, config.Defaults{})

	_, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)

	require.Len(t, f.inst.calls, 1, "only the test phase runs for web")
	call := f.inst.calls[0]
	assert.Equal(t, "web.example.com", call.hostname)
	assert.Equal(t, "/k/id", call.opts["keyfile"])
	assert.Equal(t, "admin", call.opts["login"])
	assert.Contains(t, call.script, "\ncurl -fsS localhost\n")
	assert.NotContains(t, call.script, "--server=")
}

func TestBuildRunsGroupsInOrder(t *testing.T) {
	f := newFixture(t)
	f.prov.createFn = func(opts config.Options) (string, error) {
		if opts.String("name") == "first" {
			time.Sleep(20 * time.Millisecond)
		}
		return opts.String("name"), nil
	}
	cfg := load(t, `
master:
  pm:
    create:
      options: {name: pm}
nodes:
  - first:
      create:
        options: {name: first}
  - second:
      create:
        options: {name: second}
`, config.Defaults{})

	_, err := f.orch.Build(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"start pm", "end pm", "start first", "end first", "start second", "end second"}, f.prov.events)
}

func TestBuildLimitBoundsGroupConcurrency(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	running, peak := 0, 0
	f.prov.createFn = func(opts config.Options) (string, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return opts.String("name"), nil
	}
	f.orch = New(f.store, f.prov, f.inst, WithLimit(1),
		WithScriptDir(func(name string) string { return filepath.Join(f.scriptDir, name) }))

	var doc strings.Builder
	doc.WriteString("nodes:\n  -\n")
	for i := range 4 {
		fmt.Fprintf(&doc, "    n%d:\n      create:\n        options: {name: n%d}\n", i, i)
	}
	_, err := f.orch.Build(context.Background(), "s1", load(t, doc.String(), config.Defaults{}))
	require.NoError(t, err)
	assert.Len(t, f.prov.creates, 4)
	assert.Equal(t, 1, peak)
}

func seed(t *testing.T, f *fixture, name string, rec *stack.Record) {
	t.Helper()
	h, err := f.store.Create(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, f.store.Save(context.Background(), h, rec))
}

func TestDestroyWithoutMaster(t *testing.T) {
	f := newFixture(t)
	rec := stack.NewRecord()
	rec.Nodes["web"] = stack.Host{Hostname: "web.example.com", Region: "fsn1"}
	rec.Nodes["db"] = stack.Host{Hostname: "db.example.com", Region: "fsn1"}
	seed(t, f, "s1", rec)

	dest, err := f.orch.Destroy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.store.Dir, "destroyed", "s1-1700000000"), dest)
	assert.Equal(t, []string{"db.example.com@fsn1", "web.example.com@fsn1"}, f.prov.terminated)

	_, err = f.store.Load(context.Background(), "s1")
	require.ErrorIs(t, err, stack.ErrNotFound)
}

func TestDestroyTerminatesMasterFirst(t *testing.T) {
	f := newFixture(t)
	rec := stack.NewRecord()
	rec.Master["pm"] = stack.Host{Hostname: "pm.example.com"}
	rec.Nodes["a"] = stack.Host{Hostname: "a.example.com"}
	seed(t, f, "s1", rec)

	_, err := f.orch.Destroy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pm.example.com@", "a.example.com@"}, f.prov.terminated)
}

func TestDestroyMissingStack(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Destroy(context.Background(), "nope")
	require.ErrorIs(t, err, stack.ErrNotFound)
	assert.Empty(t, f.prov.terminated)
}

func TestDestroyKeepsRecordWhenTerminateFails(t *testing.T) {
	f := newFixture(t)
	f.prov.terminateFn = func(hostname string) error {
		if hostname == "a.example.com" {
			return errors.New("api unavailable")
		}
		return nil
	}
	rec := stack.NewRecord()
	rec.Nodes["a"] = stack.Host{Hostname: "a.example.com"}
	rec.Nodes["b"] = stack.Host{Hostname: "b.example.com"}
	seed(t, f, "s1", rec)

	_, err := f.orch.Destroy(context.Background(), "s1")
	require.ErrorContains(t, err, "api unavailable")
	assert.Len(t, f.prov.terminated, 2, "every host is still attempted")

	ok, err := f.store.Exists(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok, "record must stay active for a retry")
}

func TestRebuildAndDestroyWithinOneSecond(t *testing.T) {
	f := newFixture(t)
	cfg := load(t, `
nodes:
  - web:
      create:
        options: {name: web}
`, config.Defaults{})

	var dests []string
	for range 2 {
		_, err := f.orch.Build(context.Background(), "s1", cfg)
		require.NoError(t, err)
		dest, err := f.orch.Destroy(context.Background(), "s1")
		require.NoError(t, err)
		dests = append(dests, dest)
	}

	assert.Equal(t, []string{"web.example.com@", "web.example.com@"}, f.prov.terminated)
	assert.NotEqual(t, dests[0], dests[1])
	ok, err := f.store.Exists(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, ok, "second destroy must retire the record")
}

func TestListExcludesDestroyed(t *testing.T) {
	f := newFixture(t)
	empty := load(t, "", config.Defaults{})
	for _, name := range []string{"b", "a", "c"} {
		_, err := f.orch.Build(context.Background(), name, empty)
		require.NoError(t, err)
	}
	_, err := f.orch.Destroy(context.Background(), "b")
	require.NoError(t, err)

	entries, err := f.orch.List(context.Background())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "c"}, names)
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	rec := stack.NewRecord()
	rec.Master["pm"] = stack.Host{Hostname: "pm.example.com"}
	rec.Nodes["web"] = stack.Host{Hostname: "web.example.com"}
	seed(t, f, "s1", rec)

	cfg := load(t, `
defaults:
  install:
    options: {keyfile: /k/id, login: ubuntu}
master:
  pm:
    install: {}
nodes:
  - web:
      install: {}
  - db:
      install:
        options: {login: root}
`, config.Defaults{})

	windows, err := f.orch.Sessions(context.Background(), "s1", cfg)
	require.NoError(t, err)
	require.Len(t, windows, 3)

	assert.Equal(t, "master", windows[0].Name)
	assert.Equal(t, "pm.example.com", windows[0].Hostname)
	assert.Equal(t, "db", windows[1].Name)
	assert.Equal(t, "db", windows[1].Hostname, "uncreated node falls back to its name")
	assert.Equal(t, "root", windows[1].Login)
	assert.Equal(t, "web", windows[2].Name)
	assert.Equal(t, "web.example.com", windows[2].Hostname)
	assert.Equal(t, "/k/id", windows[2].Keyfile)
	assert.Equal(t, "ubuntu", windows[2].Login)
}

func TestSessionsWithoutRecord(t *testing.T) {
	f := newFixture(t)
	cfg := load(t, "nodes:\n  - web: {}\n", config.Defaults{})
	windows, err := f.orch.Sessions(context.Background(), "never-built", cfg)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "web", windows[0].Hostname)
}
