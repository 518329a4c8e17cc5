package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/log"
	"github.com/h3ow3d/stackbuilder/internal/orchestrator"
	"github.com/h3ow3d/stackbuilder/internal/provider/hcloud"
	"github.com/h3ow3d/stackbuilder/internal/provider/libvirt"
	"github.com/h3ow3d/stackbuilder/internal/ssh"
	"github.com/h3ow3d/stackbuilder/internal/stack"
	"github.com/h3ow3d/stackbuilder/internal/xdg"
)

// settings are the tool-wide knobs. Precedence, highest first: flag,
// STACKBUILDER_* environment variable, config file, flag default.
type settings struct {
	dirs xdg.Dirs
	log  logr.Logger

	LogLevel     string
	Provider     string
	HCloudToken  string
	LibvirtURI   string
	StateBackend string
	StateDir     string
	S3           stack.S3Options
	Concurrency  int
}

func (s *settings) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&s.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&s.Provider, "provider", "libvirt", "instance provider (hcloud or libvirt)")
	flags.StringVar(&s.HCloudToken, "hcloud-token", "", "Hetzner Cloud API token")
	flags.StringVar(&s.LibvirtURI, "libvirt-uri", "qemu:///system", "libvirt connection URI")
	flags.StringVar(&s.StateBackend, "state-backend", "file", "where stack records are kept (file or s3)")
	flags.StringVar(&s.StateDir, "state-dir", "", "directory for file-backed stack records (default $XDG_DATA_HOME/stackbuilder/stacks)")
	flags.StringVar(&s.S3.Bucket, "s3-bucket", "", "bucket for s3-backed stack records")
	flags.StringVar(&s.S3.Prefix, "s3-prefix", "stacks/", "key prefix for s3-backed stack records")
	flags.StringVar(&s.S3.Endpoint, "s3-endpoint", "", "custom S3 endpoint, e.g. for MinIO")
	flags.StringVar(&s.S3.Region, "s3-region", "", "S3 region")
	flags.StringVar(&s.S3.AccessKey, "s3-access-key", "", "S3 access key (default: the AWS credential chain)")
	flags.StringVar(&s.S3.SecretKey, "s3-secret-key", "", "S3 secret key")
	flags.IntVar(&s.Concurrency, "concurrency", 0, "nodes of a group handled at once (0 = all)")
}

// load fills unset flags from the environment and the config file, then
// builds the logger.
func (s *settings) load(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("STACKBUILDER")
	v.AutomaticEnv()

	configFile := os.Getenv("STACKBUILDER_CONFIG")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigFile(s.dirs.ConfigFile())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if !missing || configFile != "" {
			return fmt.Errorf("read settings: %w", err)
		}
	}

	// Only tool settings are bound; per-command flags such as build's
	// --config never come from the environment.
	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	var setErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if val := fmt.Sprintf("%v", v.Get(f.Name)); val != "" {
			if err := f.Value.Set(val); err != nil && setErr == nil {
				setErr = fmt.Errorf("setting %s: %w", f.Name, err)
			}
		}
	})
	if setErr != nil {
		return setErr
	}

	logger, err := log.New(s.LogLevel)
	if err != nil {
		return err
	}
	s.log = logger
	return nil
}

func (s *settings) store(ctx context.Context) (stack.Store, error) {
	switch s.StateBackend {
	case "file", "":
		dir := s.StateDir
		if dir == "" {
			dir = s.dirs.StacksDir()
		}
		return stack.NewFileStore(dir), nil
	case "s3":
		if s.S3.Bucket == "" {
			return nil, errors.New("state-backend s3 needs --s3-bucket")
		}
		return stack.NewS3Store(ctx, s.S3)
	}
	return nil, fmt.Errorf("unknown state-backend %q (expected file or s3)", s.StateBackend)
}

func (s *settings) provisioner() (orchestrator.Provisioner, error) {
	l := s.log.WithName(s.Provider)
	switch s.Provider {
	case "hcloud":
		if s.HCloudToken == "" {
			return nil, errors.New("provider hcloud needs --hcloud-token or STACKBUILDER_HCLOUD_TOKEN")
		}
		return hcloud.New(s.HCloudToken, hcloud.WithLogger(l)), nil
	case "libvirt":
		return libvirt.New(s.LibvirtURI, filepath.Join(s.dirs.State, "seeds"), l), nil
	}
	return nil, fmt.Errorf("unknown provider %q (expected hcloud or libvirt)", s.Provider)
}

func (s *settings) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	if err := s.dirs.EnsureDirs(); err != nil {
		return nil, err
	}
	store, err := s.store(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.provisioner()
	if err != nil {
		return nil, err
	}
	installer := &ssh.Installer{Log: s.log.WithName("ssh")}
	return orchestrator.New(store, p, installer,
		orchestrator.WithLogger(s.log),
		orchestrator.WithLimit(s.Concurrency),
		orchestrator.WithScriptDir(s.dirs.ScriptsDir),
	), nil
}

func (s *settings) stackConfig(path string) (*config.StackConfig, error) {
	defaults, err := config.LoadDefaults(s.dirs.DefaultsFile())
	if err != nil {
		return nil, err
	}
	return config.Load(path, defaults)
}
