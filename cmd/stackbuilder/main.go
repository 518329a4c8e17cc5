// stackbuilder – build, test and tear down puppet-managed host stacks
//
// Usage:
//
//	stackbuilder build   <stack> --config <path>  – create, record, install and test a stack
//	stackbuilder destroy <stack>                  – terminate a stack's hosts and retire its record
//	stackbuilder list                             – print every active stack record
//	stackbuilder attach  <stack> --config <path>  – open a tmux session with one ssh window per host
//	stackbuilder doctor                           – check host prerequisites
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/doctor"
	"github.com/h3ow3d/stackbuilder/internal/log"
	"github.com/h3ow3d/stackbuilder/internal/orchestrator"
	"github.com/h3ow3d/stackbuilder/internal/stack"
	"github.com/h3ow3d/stackbuilder/internal/tmux"
	"github.com/h3ow3d/stackbuilder/internal/xdg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		handleError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	s := &settings{dirs: xdg.Default()}
	root := &cobra.Command{
		Use:   "stackbuilder",
		Short: "Build and tear down puppet-managed host stacks",
		Long: `stackbuilder reads a stack description, creates its master and node
groups through a provider (hcloud or libvirt), records what it created,
then installs every host with a compiled puppet script over ssh and runs
the description's tests.

Settings come from flags, STACKBUILDER_* environment variables and
$XDG_CONFIG_HOME/stackbuilder/config.yaml, in that order.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.load(cmd)
		},
	}
	s.addFlags(root.PersistentFlags())

	root.AddCommand(buildCmd(s), destroyCmd(s), listCmd(s), attachCmd(s), doctorCmd(s))
	return root
}

func handleError(err error) {
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	switch {
	case errors.Is(err, stack.ErrExists):
		message += "\nHint: destroy the existing stack first or pick another name."
	case errors.Is(err, stack.ErrNotFound):
		message += "\nHint: run 'stackbuilder list' to see active stacks."
	case errors.Is(err, tmux.ErrTmuxNotFound):
		message += "\nHint: run 'stackbuilder doctor' for install instructions."
	case errors.Is(err, context.Canceled):
		message = "interrupted"
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

// ── build ─────────────────────────────────────────────────────────────────────

func buildCmd(s *settings) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "build <stack>",
		Short: "Create, record, install and test a stack",
		Long: `Builds the named stack from a stack description:
  1. validates the description and reserves the stack name
  2. creates the master, then each node group in order
  3. writes the stack record
  4. installs the master, then each node group
  5. runs the node tests

A host that fails a phase is reported and the build carries on. Later
phases still run for it: a node whose create failed is installed and
tested by its entity name, as if it had been provisioned out of band.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), s, args[0], configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the stack description")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runBuild(ctx context.Context, s *settings, name, configPath string) error {
	cfg, err := s.stackConfig(configPath)
	if err != nil {
		return err
	}
	orch, err := s.orchestrator(ctx)
	if err != nil {
		return err
	}

	log.Info(fmt.Sprintf("Building stack %s (%d node(s), run type %s)", name, countNodes(cfg), cfg.RunType))
	report, err := orch.Build(ctx, name, cfg)
	if err != nil {
		return err
	}
	for _, f := range report.Failures {
		log.Warn(f.Error())
	}
	if len(report.Failures) > 0 {
		log.Warn(fmt.Sprintf("Stack %s built with %d failure(s)", name, len(report.Failures)))
		return nil
	}
	log.Ok(fmt.Sprintf("Stack %s built", name))
	return nil
}

func countNodes(cfg *config.StackConfig) int {
	n := len(cfg.Nodes())
	if cfg.Master != nil {
		n++
	}
	return n
}

// ── destroy ───────────────────────────────────────────────────────────────────

func destroyCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <stack>",
		Short: "Terminate a stack's hosts and retire its record",
		Long: `Terminates every host in the stack record, master first, then moves the
record to the destroyed area. When a host cannot be terminated the record
stays active so destroy can be run again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := s.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("Destroying stack " + args[0])
			dest, err := orch.Destroy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			log.Ok(fmt.Sprintf("Stack %s destroyed (record kept at %s)", args[0], dest))
			return nil
		},
	}
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every active stack record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := s.store(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				log.Skip("No active stacks")
				return nil
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				data, err := e.Record.Marshal()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s:\n%s\n", e.Name, indent(string(data)))
			}
			return nil
		},
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}

// ── attach ────────────────────────────────────────────────────────────────────

func attachCmd(s *settings) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "attach <stack>",
		Short: "Open a tmux session with one ssh window per host",
		Long: `Replaces the tmux session named after the stack with a new one: a
"master" window first, then one window per node sorted by name, each
running ssh to the host with the key and login from its install options.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.stackConfig(configPath)
			if err != nil {
				return err
			}
			// Sessions only reads the record; no provider is needed.
			store, err := s.store(cmd.Context())
			if err != nil {
				return err
			}
			orch := orchestrator.New(store, nil, nil, orchestrator.WithLogger(s.log))
			windows, err := orch.Sessions(cmd.Context(), args[0], cfg)
			if err != nil {
				return err
			}
			log.Info(fmt.Sprintf("Attaching to %s (%d window(s))", args[0], len(windows)))
			return tmux.Attach(cmd.Context(), args[0], windows)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the stack description")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// ── doctor ────────────────────────────────────────────────────────────────────

func doctorCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check host prerequisites",
		Long: `Checks that ssh and tmux are installed, that the selected provider's
tools or credentials are available, and that stackbuilder's directories
exist and the stack record directory is writable.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			opts := doctor.Options{
				Provider:    s.Provider,
				LibvirtURI:  s.LibvirtURI,
				HCloudToken: s.HCloudToken,
			}
			if s.StateBackend == "file" || s.StateBackend == "" {
				opts.StackDir = s.StateDir
				if opts.StackDir == "" {
					opts.StackDir = s.dirs.StacksDir()
				}
			}
			results := doctor.Run(s.dirs, opts)
			for _, r := range results {
				if r.OK {
					log.Ok(fmt.Sprintf("%-22s %s", r.Name, r.Message))
					continue
				}
				log.Error(fmt.Sprintf("%-22s %s", r.Name, r.Message))
				if r.HowToFix != "" {
					fmt.Fprintf(os.Stderr, "    %s\n", r.HowToFix)
				}
			}
			if doctor.Failed(results) {
				return errors.New("one or more checks failed")
			}
			log.Ok("All checks passed")
			return nil
		},
	}
}
