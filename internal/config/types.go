package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Phase names an action applicable to a node.
type Phase string

const (
	PhaseCreate  Phase = "create"
	PhaseInstall Phase = "install"
	PhaseTest    Phase = "test"
)

// Run types select the install semantics for node groups.
const (
	RunTypeApply  = "apply"
	RunTypeAgent  = "agent"
	RunTypeMaster = "master"
)

// CreatePhase holds the options handed to the provisioner.
type CreatePhase struct {
	Options Options `yaml:"options"`
}

// InstallPhase holds the options handed to the installer together with the
// inputs of the compiled install script.
type InstallPhase struct {
	Options  Options           `yaml:"options"`
	GitRepos map[string]string `yaml:"git_repos"` // url -> checkout path
	Manifest string            `yaml:"manifest"`
}

// TestPhase holds the options handed to the installer for the test run.
type TestPhase struct {
	Options Options `yaml:"options"`
}

// NodeSpec describes one master or node. A nil phase means the phase is
// skipped; a non-nil phase runs even when its YAML value was empty.
type NodeSpec struct {
	Name    string
	Create  *CreatePhase
	Install *InstallPhase
	Test    *TestPhase
}

// Has reports whether the phase is present on the node.
func (n NodeSpec) Has(p Phase) bool {
	switch p {
	case PhaseCreate:
		return n.Create != nil
	case PhaseInstall:
		return n.Install != nil
	case PhaseTest:
		return n.Test != nil
	}
	return false
}

// Options returns the effective options of phase p, or nil when the phase is
// absent.
func (n NodeSpec) Options(p Phase) Options {
	switch {
	case p == PhaseCreate && n.Create != nil:
		return n.Create.Options
	case p == PhaseInstall && n.Install != nil:
		return n.Install.Options
	case p == PhaseTest && n.Test != nil:
		return n.Test.Options
	}
	return nil
}

// UnmarshalYAML records which phase keys are present, including keys with a
// null value.
func (n *NodeSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: node spec must be a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, body := value.Content[i], value.Content[i+1]
		var target any
		switch Phase(key.Value) {
		case PhaseCreate:
			n.Create = &CreatePhase{}
			target = n.Create
		case PhaseInstall:
			n.Install = &InstallPhase{}
			target = n.Install
		case PhaseTest:
			n.Test = &TestPhase{}
			target = n.Test
		default:
			return fmt.Errorf("line %d: unknown phase %q (expected create, install or test)", key.Line, key.Value)
		}
		if isNull(body) {
			continue
		}
		if err := body.Decode(target); err != nil {
			return fmt.Errorf("%s: %w", key.Value, err)
		}
	}
	return nil
}

// Group is a set of nodes whose phases run concurrently. Order is the order
// of appearance in the stack description.
type Group []NodeSpec

// StackConfig is a normalized stack description.
type StackConfig struct {
	Master  *NodeSpec
	Groups  []Group
	RunType string
}

// Nodes returns every non-master node in group order.
func (c *StackConfig) Nodes() []NodeSpec {
	var out []NodeSpec
	for _, g := range c.Groups {
		out = append(out, g...)
	}
	return out
}

// PhaseDefaults is one phase's layer of default options.
type PhaseDefaults struct {
	Options Options `yaml:"options"`
}

// Defaults is a layer of create and install default options. There is no
// test layer: the test phase inherits the install defaults.
type Defaults struct {
	Create  PhaseDefaults `yaml:"create"`
	Install PhaseDefaults `yaml:"install"`
}

// Document is the raw stack description as written by the user.
type Document struct {
	Defaults Defaults  `yaml:"defaults"`
	Master   yaml.Node `yaml:"master"`
	Nodes    yaml.Node `yaml:"nodes"`
	RunType  string    `yaml:"puppet_run_type"`
}

func isNull(n *yaml.Node) bool {
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}
