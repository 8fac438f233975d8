// Package transport connects to the IBM i host to run commands and move files.
package transport

import (
	"context"
	"sort"
	"strings"
	"time"
)

// CommandResult is the outcome of a remote command that ran to completion.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Succeeded reports a zero exit code.
func (r *CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Entry is one item of a remote directory listing.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Transport is the connection to the host. Implementations must be safe
// for concurrent use.
type Transport interface {
	// RunCommand executes a shell command. A non-zero exit code is reported
	// in the result, not as an error; errors mean the command could not
	// run to completion, including context expiry.
	RunCommand(ctx context.Context, cmd string, env map[string]string) (*CommandResult, error)
	// UploadDirectory copies a local directory tree to remoteDir.
	UploadDirectory(ctx context.Context, localDir, remoteDir string) error
	// DownloadFile copies a remote file to localPath.
	DownloadFile(ctx context.Context, remotePath, localPath string) error
	// ReadFile returns a remote file's contents.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	// ListDir lists a remote directory.
	ListDir(ctx context.Context, remoteDir string) ([]Entry, error)
	Close() error
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// withEnv prefixes cmd with exports in key order. The host's sshd does not
// accept environment requests, so variables travel in the command itself.
func withEnv(cmd string, env map[string]string) string {
	if len(env) == 0 {
		return cmd
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var sb strings.Builder

	for _, k := range keys {
		sb.WriteString("export ")
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(ShellQuote(env[k]))
		sb.WriteString("; ")
	}

	sb.WriteString(cmd)

	return sb.String()
}
