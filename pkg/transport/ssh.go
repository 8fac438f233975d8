package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Compile-time interface check.
var _ Transport = (*sshTransport)(nil)

type sshTransport struct {
	log     logrus.FieldLogger
	cfg     *config.ConnectionConfig
	client  *ssh.Client
	sftp    *sftp.Client
	limiter *rate.Limiter

	// agentConn is the SSH_AUTH_SOCK connection, nil without an agent.
	agentConn net.Conn
}

// Dial opens an SSH connection and an SFTP session to the host.
func Dial(ctx context.Context, log logrus.FieldLogger, cfg *config.ConnectionConfig) (Transport, error) {
	log = log.WithField("component", "transport")

	auth, agentConn, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	closeAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		closeAgent()

		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		Timeout:         cfg.ConnectTimeout,
		HostKeyCallback: hostKeyCallback,
	}

	addr := cfg.Address()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()

		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		closeAgent()

		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		closeAgent()

		return nil, fmt.Errorf("starting sftp session: %w", err)
	}

	limit := rate.Inf
	if cfg.CommandsPerSecond > 0 {
		limit = rate.Limit(cfg.CommandsPerSecond)
	}

	log.WithField("address", addr).WithField("user", cfg.User).Info("Connected to host")

	return &sshTransport{
		log:       log,
		cfg:       cfg,
		client:    client,
		sftp:      sftpClient,
		limiter:   rate.NewLimiter(limit, 1),
		agentConn: agentConn,
	}, nil
}

// authMethods also returns the agent connection backing the agent method,
// which the caller owns.
func authMethods(cfg *config.ConnectionConfig) ([]ssh.AuthMethod, net.Conn, error) {
	methods := make([]ssh.AuthMethod, 0, 3)

	var agentConn net.Conn

	if cfg.PrivateKey != "" {
		key, err := os.ReadFile(cfg.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("reading private key %s: %w", cfg.PrivateKey, err)
		}

		var signer ssh.Signer
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}

		if err != nil {
			return nil, nil, fmt.Errorf("parsing private key %s: %w", cfg.PrivateKey, err)
		}

		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" && cfg.PrivateKey == "" {
		if a, err := net.Dial("unix", sock); err == nil {
			agentConn = a
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
		}
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("no ssh authentication method configured")
	}

	return methods, agentConn, nil
}

func hostKeyCallback(cfg *config.ConnectionConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	cb, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", cfg.KnownHosts, err)
	}

	return cb, nil
}

// RunCommand runs cmd in a new session. Context expiry closes the session.
func (t *sshTransport) RunCommand(
	ctx context.Context,
	cmd string,
	env map[string]string,
) (*CommandResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for command slot: %w", err)
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer

	session.Stdout = &stdout
	session.Stderr = &stderr

	full := withEnv(cmd, env)
	start := time.Now()

	t.log.WithField("command", full).Debug("Running remote command")

	done := make(chan error, 1)

	go func() {
		done <- session.Run(full)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()

		return nil, fmt.Errorf("running %q: %w", cmd, ctx.Err())
	case err = <-done:
	}

	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %q: %w", cmd, err)
		}

		result.ExitCode = exitErr.ExitStatus()
	}

	t.log.WithFields(logrus.Fields{
		"exit_code": result.ExitCode,
		"duration":  result.Duration,
	}).Debug("Remote command finished")

	return result, nil
}

// UploadDirectory mirrors localDir into remoteDir with parallel file copies.
func (t *sshTransport) UploadDirectory(ctx context.Context, localDir, remoteDir string) error {
	type upload struct {
		local  string
		remote string
	}

	files := make([]upload, 0, 64)

	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		remote := path.Join(remoteDir, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := t.sftp.MkdirAll(remote); err != nil {
				return fmt.Errorf("creating remote directory %s: %w", remote, err)
			}

			return nil
		}

		files = append(files, upload{local: p, remote: remote})

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", localDir, err)
	}

	var uploaded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(t.cfg.UploadConcurrency, 1))

	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			n, err := t.uploadFile(f.local, f.remote)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", f.local, err)
			}

			uploaded.Add(n)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	t.log.WithFields(logrus.Fields{
		"files":  len(files),
		"bytes":  uploaded.Load(),
		"remote": remoteDir,
	}).Info("Directory uploaded")

	return nil
}

func (t *sshTransport) uploadFile(localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = src.Close() }()

	dst, err := t.sftp.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("creating remote file: %w", err)
	}

	n, err := dst.ReadFrom(src)
	if err != nil {
		_ = dst.Close()

		return n, err
	}

	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("closing remote file: %w", err)
	}

	return n, nil
}

// DownloadFile copies remotePath to localPath.
func (t *sshTransport) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := t.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("opening remote file %s: %w", remotePath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating local file %s: %w", localPath, err)
	}

	if _, err := src.WriteTo(dst); err != nil {
		_ = dst.Close()

		return fmt.Errorf("downloading %s: %w", remotePath, err)
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing local file %s: %w", localPath, err)
	}

	return nil
}

// ReadFile reads a whole remote file.
func (t *sshTransport) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := t.sftp.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("opening remote file %s: %w", remotePath, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading remote file %s: %w", remotePath, err)
	}

	return data, nil
}

// ListDir lists remoteDir.
func (t *sshTransport) ListDir(ctx context.Context, remoteDir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := t.sftp.ReadDir(remoteDir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", remoteDir, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:  info.Name(),
			IsDir: info.IsDir(),
			Size:  info.Size(),
		})
	}

	return entries, nil
}

// Close ends the SFTP session and the SSH connection, then releases the
// agent socket.
func (t *sshTransport) Close() error {
	var errs []error

	if t.sftp != nil {
		if err := t.sftp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sftp: %w", err))
		}
	}

	if t.client != nil {
		if err := t.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing ssh: %w", err))
		}
	}

	if t.agentConn != nil {
		if err := t.agentConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing ssh agent: %w", err))
		}
	}

	return errors.Join(errs...)
}
