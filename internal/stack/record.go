package stack

import (
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"
)

// Host is one created instance. An empty Region means the create options
// named none; it is written as null.
type Host struct {
	Hostname string `yaml:"hostname"`
	Region   string `yaml:"region"`
}

// MarshalYAML writes an unset region as null rather than "".
func (h Host) MarshalYAML() (any, error) {
	out := struct {
		Hostname string  `yaml:"hostname"`
		Region   *string `yaml:"region"`
	}{Hostname: h.Hostname}
	if h.Region != "" {
		out.Region = &h.Region
	}
	return out, nil
}

// Record is what a build created: at most one master and any number of
// nodes, keyed by entity name. Empty maps mean nothing was created.
type Record struct {
	Master map[string]Host `yaml:"master"`
	Nodes  map[string]Host `yaml:"nodes"`
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{Master: map[string]Host{}, Nodes: map[string]Host{}}
}

// MasterHost returns the created master, if any.
func (r *Record) MasterHost() (string, Host, bool) {
	for name, h := range r.Master {
		return name, h, true
	}
	return "", Host{}, false
}

// Lookup returns the host created for the named entity, master or node.
func (r *Record) Lookup(name string) (Host, bool) {
	if h, ok := r.Master[name]; ok {
		return h, true
	}
	h, ok := r.Nodes[name]
	return h, ok
}

// NodeNames returns the created node names in sorted order.
func (r *Record) NodeNames() []string {
	return slices.Sorted(maps.Keys(r.Nodes))
}

// Empty reports whether nothing was created.
func (r *Record) Empty() bool {
	return len(r.Master) == 0 && len(r.Nodes) == 0
}

func (r *Record) normalize() {
	if r.Master == nil {
		r.Master = map[string]Host{}
	}
	if r.Nodes == nil {
		r.Nodes = map[string]Host{}
	}
}

// Marshal encodes the record as YAML.
func (r *Record) Marshal() ([]byte, error) {
	r.normalize()
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode stack record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord decodes a YAML record. Empty input is an empty record: a
// stack whose build never got as far as saving.
func UnmarshalRecord(data []byte) (*Record, error) {
	r := NewRecord()
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode stack record: %w", err)
	}
	r.normalize()
	return r, nil
}
