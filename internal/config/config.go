// Package config parses stack descriptions and merges layered default
// options into every node's per-phase options.
//
// Three layers apply, lowest precedence first: the stack-builder-wide
// defaults file, the description's own defaults section, and the node's
// phase options. Merging is shallow: a key set by a higher layer replaces
// the lower value wholesale.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

var (
	ErrMultipleMasters = errors.New("only a single master is supported")
	ErrMalformedMaster = errors.New("master must be a mapping of node name to node spec")
	ErrMalformedGroup  = errors.New("nodes must be a sequence of mappings of node name to node spec")
	ErrDuplicateNode   = errors.New("node names must be unique within a stack")
	ErrUnknownRunType  = errors.New("unknown puppet_run_type")
)

var runTypes = []string{RunTypeApply, RunTypeAgent, RunTypeMaster}

// Load reads the stack description at path and normalizes it against the
// given defaults. An empty file describes an empty stack.
func Load(path string, defaults Defaults) (*StackConfig, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path %s: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read stack config %s: %w", expanded, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("stack config %s: %w", expanded, err)
	}
	cfg, err := Normalize(doc, defaults)
	if err != nil {
		return nil, fmt.Errorf("stack config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Parse decodes a stack description. Unknown top-level keys are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	return &doc, nil
}

// LoadDefaults reads the stack-builder-wide defaults file. A missing file is
// an empty layer.
func LoadDefaults(path string) (Defaults, error) {
	var d Defaults
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("read defaults %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse defaults %s: %w", path, err)
	}
	return d, nil
}

// Normalize validates doc and returns the stack it describes with every
// present phase's options merged over the default layers.
func Normalize(doc *Document, base Defaults) (*StackConfig, error) {
	createDefaults := merge(base.Create.Options, doc.Defaults.Create.Options)
	installDefaults := merge(base.Install.Options, doc.Defaults.Install.Options)

	cfg := &StackConfig{RunType: doc.RunType}
	if cfg.RunType == "" {
		cfg.RunType = RunTypeApply
	}
	if !slices.Contains(runTypes, cfg.RunType) {
		return nil, fmt.Errorf("%w %q (expected one of %v)", ErrUnknownRunType, cfg.RunType, runTypes)
	}

	seen := map[string]bool{}

	master, err := parseMaster(&doc.Master)
	if err != nil {
		return nil, err
	}
	if master != nil {
		applyDefaults(master, createDefaults, installDefaults)
		seen[master.Name] = true
		cfg.Master = master
	}

	groups, err := groupNodes(&doc.Nodes)
	if err != nil {
		return nil, err
	}
	for i, node := range groups {
		group, err := parseGroup(i, node)
		if err != nil {
			return nil, err
		}
		for j := range group {
			if seen[group[j].Name] {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, group[j].Name)
			}
			seen[group[j].Name] = true
			applyDefaults(&group[j], createDefaults, installDefaults)
		}
		cfg.Groups = append(cfg.Groups, group)
	}

	return cfg, nil
}

// applyDefaults merges the default layers into every phase present on n.
// The test phase deliberately takes the install layer as its base.
func applyDefaults(n *NodeSpec, create, install Options) {
	if n.Create != nil {
		n.Create.Options = merge(create, n.Create.Options)
	}
	if n.Install != nil {
		n.Install.Options = merge(install, n.Install.Options)
	}
	if n.Test != nil {
		n.Test.Options = merge(install, n.Test.Options)
	}
}

func parseMaster(node *yaml.Node) (*NodeSpec, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w", node.Line, ErrMalformedMaster)
	}
	switch len(node.Content) / 2 {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("line %d: %w", node.Line, ErrMultipleMasters)
	}
	specs, err := decodeEntries(node)
	if err != nil {
		return nil, fmt.Errorf("master: %w", err)
	}
	return &specs[0], nil
}

func groupNodes(node *yaml.Node) ([]*yaml.Node, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: %w", node.Line, ErrMalformedGroup)
	}
	return node.Content, nil
}

func parseGroup(index int, node *yaml.Node) (Group, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("nodes[%d] (line %d): %w", index, node.Line, ErrMalformedGroup)
	}
	specs, err := decodeEntries(node)
	if err != nil {
		return nil, fmt.Errorf("nodes[%d]: %w", index, err)
	}
	return Group(specs), nil
}

// decodeEntries decodes a name -> spec mapping, preserving document order.
func decodeEntries(node *yaml.Node) ([]NodeSpec, error) {
	specs := make([]NodeSpec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if name == "" {
			return nil, fmt.Errorf("line %d: node name must not be empty", node.Content[i].Line)
		}
		var spec NodeSpec
		if !isNull(node.Content[i+1]) {
			if err := node.Content[i+1].Decode(&spec); err != nil {
				return nil, fmt.Errorf("node %s: %w", name, err)
			}
		}
		spec.Name = name
		specs = append(specs, spec)
	}
	return specs, nil
}
