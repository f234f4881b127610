// Package remote is the opaque remote-execution collaborator: run a
// command on a host, capture stdout/stderr and exit code, with a timeout.
// SSH transport details stay inside this package; everything above it
// works against the Runner interface.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// Result captures one remote command execution. Err is set for transport
// failures (unreachable host, timeout); a nonzero ExitCode with nil Err
// means the command itself failed.
type Result struct {
	Host     string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Runner executes a command on a remote host.
type Runner interface {
	Run(ctx context.Context, host, command string) Result
}

// SSHRunner is the real Runner, using public-key auth.
type SSHRunner struct {
	User    string
	KeyPath string
	Port    int
	Timeout time.Duration
}

// NewSSHRunner returns a runner with conventional defaults: the current
// user's id_rsa key, port 22, and a 60 second per-host timeout.
func NewSSHRunner(user string) *SSHRunner {
	return &SSHRunner{
		User:    user,
		KeyPath: filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa"),
		Port:    22,
		Timeout: 60 * time.Second,
	}
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(r.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse SSH key: %w", err)
	}
	return &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.Timeout,
	}, nil
}

// Run executes command on host. The context bounds the whole call, dial
// and handshake included; on cancellation the connection is torn down,
// which also unblocks a running session, and the result carries ctx's
// error.
func (r *SSHRunner) Run(ctx context.Context, host, command string) Result {
	res := Result{Host: host}

	cfg, err := r.clientConfig()
	if err != nil {
		res.Err = err
		return res
	}

	addr := net.JoinHostPort(host, strconv.Itoa(r.Port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		res.Err = fmt.Errorf("SSH dial %s: %w", host, err)
		return res
	}
	// The context deadline applies to the handshake and the command run;
	// cancellation closes the socket so nothing keeps running detached.
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			res.Err = fmt.Errorf("remote execution on %s: %w", host, ctx.Err())
			return res
		}
		res.Err = fmt.Errorf("SSH handshake %s: %w", host, err)
		return res
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	res = r.runSession(client, host, command)
	if ctx.Err() != nil {
		res.Err = fmt.Errorf("remote execution on %s: %w", host, ctx.Err())
	}
	return res
}

func (r *SSHRunner) runSession(client *ssh.Client, host, command string) Result {
	res := Result{Host: host}

	session, err := client.NewSession()
	if err != nil {
		res.Err = fmt.Errorf("SSH session on %s: %w", host, err)
		return res
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		} else {
			res.Err = fmt.Errorf("SSH run on %s: %w", host, err)
		}
	}
	return res
}

// RunParallel executes command on every host with bounded parallelism and
// a per-host timeout. One host's failure never aborts the others; the
// returned slice is ordered like hosts.
func RunParallel(ctx context.Context, r Runner, hosts []string, command string, limit int, perHostTimeout time.Duration) []Result {
	return RunParallelCommands(ctx, r, hosts, func(string) string { return command }, limit, perHostTimeout)
}

// RunParallelCommands is RunParallel with a per-host command.
func RunParallelCommands(ctx context.Context, r Runner, hosts []string, command func(host string) string, limit int, perHostTimeout time.Duration) []Result {
	if limit <= 0 {
		limit = len(hosts)
	}
	results := make([]Result, len(hosts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			hctx := ctx
			if perHostTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(ctx, perHostTimeout)
				defer cancel()
			}
			cmd := command(host)
			log.Debugf("running on %s: %s", host, cmd)
			results[i] = r.Run(hctx, host, cmd)
			return nil
		})
	}
	// Workers never return errors; failures are data in results.
	_ = g.Wait()
	return results
}
