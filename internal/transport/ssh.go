package transport

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	pgbakerrors "pgbak/internal/errors"
)

// SSHDialer opens a remote worker subprocess over SSH and wraps its
// stdin/stdout as a Client, the database-host side of the
// cross-process scheduling spec.md §4.4 describes. Grounded on the
// built-in ssh.Dial path of kopia's sftp storage driver
// (repo/blob/sftp/sftp_storage.go's createSSHConfig/getSFTPClient),
// generalized from opening an SFTP session to starting an arbitrary
// remote command whose stdio speaks this package's line protocol.
type SSHDialer struct {
	Addr          string // "host:port"
	Config        *ssh.ClientConfig
	RemoteCommand string // e.g. "pgbak worker --data-dir=/var/lib/postgresql/data"
}

// session is the live connection a Dial returns; Close tears down both
// the session and the underlying transport connection.
type session struct {
	client  *ssh.Client
	session *ssh.Session
}

func (s *session) Close() error {
	sessErr := s.session.Close()
	connErr := s.client.Close()
	if sessErr != nil {
		return sessErr
	}
	return connErr
}

// Dial connects, starts RemoteCommand, and returns a Client bound to
// its stdio plus a Closer that tears the whole connection down.
func (d *SSHDialer) Dial(timeout time.Duration) (*Client, io.Closer, error) {
	conn, err := ssh.Dial("tcp", d.Addr, d.Config)
	if err != nil {
		return nil, nil, &pgbakerrors.HostConnectError{Host: d.Addr, Err: err}
	}

	sess, err := conn.NewSession()
	if err != nil {
		conn.Close()
		return nil, nil, &pgbakerrors.HostConnectError{Host: d.Addr, Err: err}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("opening remote worker stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("opening remote worker stdout: %w", err)
	}

	if err := sess.Start(d.RemoteCommand); err != nil {
		sess.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("starting remote worker %q: %w", d.RemoteCommand, err)
	}

	client := NewClient(stdin, stdout, timeout)
	return client, &session{client: conn, session: sess}, nil
}

// HostKeyCallback builds a host key verifier from a known_hosts file,
// the same validation kopia's sftp storage driver requires before
// trusting a remote host (see getHostKeyCallback).
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	return knownhosts.New(knownHostsPath)
}
