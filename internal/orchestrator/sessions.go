package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/stack"
	"github.com/h3ow3d/stackbuilder/internal/tmux"
)

// Sessions resolves one ssh target per entity of cfg: the master first,
// in a window called "master", then the nodes sorted by name. Hostnames
// come from the stack's record and fall back to the entity name when
// nothing was created for it. Key and login come from each entity's
// install options.
func (o *Orchestrator) Sessions(ctx context.Context, name string, cfg *config.StackConfig) ([]tmux.Window, error) {
	rec, err := o.store.Load(ctx, name)
	if errors.Is(err, stack.ErrNotFound) {
		o.log.Info("no record for stack, using entity names as hostnames", "stack", name)
		rec = stack.NewRecord()
	} else if err != nil {
		return nil, err
	}

	var windows []tmux.Window
	if cfg.Master != nil {
		w, err := window("master", *cfg.Master, rec)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}

	nodes := cfg.Nodes()
	slices.SortFunc(nodes, func(a, b config.NodeSpec) int { return strings.Compare(a.Name, b.Name) })
	for _, n := range nodes {
		w, err := window(n.Name, n, rec)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func window(title string, n config.NodeSpec, rec *stack.Record) (tmux.Window, error) {
	hostname := n.Name
	if h, ok := rec.Lookup(n.Name); ok && h.Hostname != "" {
		hostname = h.Hostname
	}
	opts := n.Options(config.PhaseInstall)
	keyfile := opts.String("keyfile")
	if keyfile != "" {
		expanded, err := homedir.Expand(keyfile)
		if err != nil {
			return tmux.Window{}, fmt.Errorf("%s: expand keyfile: %w", n.Name, err)
		}
		keyfile = expanded
	}
	return tmux.Window{
		Name:     title,
		Hostname: hostname,
		Keyfile:  keyfile,
		Login:    opts.String("login"),
	}, nil
}
