// Package ssh runs compiled install scripts on created hosts.
//
// The script is streamed over the session's stdin to bash, so nothing has
// to be copied to the host first. Connecting is retried with backoff: a
// freshly created instance usually refuses connections until its first
// boot finishes.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/crypto/ssh"

	"github.com/h3ow3d/stackbuilder/internal/config"
	"github.com/h3ow3d/stackbuilder/internal/retry"
)

const (
	defaultLogin       = "root"
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
	defaultRetries     = 30
	defaultRetryDelay  = 2 * time.Second
	maxRetryDelay      = 15 * time.Second
)

// Installer implements the install capability over SSH. The zero value is
// ready to use.
type Installer struct {
	Log         logr.Logger
	DialTimeout time.Duration
	Retries     int
	RetryDelay  time.Duration
	// HostKeyCallback verifies host keys. Nil accepts any key: instances
	// are new and their keys are not known in advance.
	HostKeyCallback ssh.HostKeyCallback
}

// Install runs opts["install_script"] on hostname and returns its combined
// output. Recognised options: login, keyfile, port, install_script.
func (i *Installer) Install(ctx context.Context, hostname string, opts config.Options) (string, error) {
	login := opts.String("login")
	if login == "" {
		login = defaultLogin
	}
	scriptPath := opts.String("install_script")
	if scriptPath == "" {
		return "", errors.New("install_script option is required")
	}
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", fmt.Errorf("read install script: %w", err)
	}
	signer, err := loadSigner(opts.String("keyfile"))
	if err != nil {
		return "", err
	}

	addr := net.JoinHostPort(hostname, strconv.Itoa(opts.Int("port", defaultPort)))
	client, err := i.connect(ctx, addr, login, signer)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()

	command := "bash -s"
	if login != "root" {
		command = "sudo bash -s"
	}
	return run(ctx, client, addr, command, script)
}

func loadSigner(keyfile string) (ssh.Signer, error) {
	if keyfile == "" {
		return nil, errors.New("keyfile option is required")
	}
	path, err := homedir.Expand(keyfile)
	if err != nil {
		return nil, fmt.Errorf("expand keyfile %s: %w", keyfile, err)
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyfile: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}

func (i *Installer) connect(ctx context.Context, addr, login string, signer ssh.Signer) (*ssh.Client, error) {
	hostKey := i.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // freshly created hosts
	}
	timeout := orDefault(i.DialTimeout, defaultDialTimeout)
	cfg := &ssh.ClientConfig{
		User:            login,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	retries := i.Retries
	if retries == 0 {
		retries = defaultRetries
	}

	var client *ssh.Client
	err := retry.Do(ctx, func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			_ = conn.Close()
			return err
		}
		client = ssh.NewClient(c, chans, reqs)
		return nil
	},
		retry.Retries(retries),
		retry.InitialDelay(orDefault(i.RetryDelay, defaultRetryDelay)),
		retry.MaxDelay(maxRetryDelay),
		retry.Notify(func(attempt int, err error, wait time.Duration) {
			i.Log.V(1).Info("ssh not ready", "addr", addr, "attempt", attempt, "wait", wait, "error", err.Error())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}
	return client, nil
}

func run(ctx context.Context, client *ssh.Client, addr, command string, script []byte) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session on %s: %w", addr, err)
	}
	defer func() { _ = session.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	session.Stdin = bytes.NewReader(script)
	out, err := session.CombinedOutput(command)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return string(out), fmt.Errorf("%s on %s: %w", command, addr, err)
	}
	return string(out), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
