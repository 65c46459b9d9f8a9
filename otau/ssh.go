package otau

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// SSHConfig describes a bridge reached over SSH: Command runs on the remote
// host and relays its stdin and stdout to the device's link.
type SSHConfig struct {
	Address  string // host:port
	User     string
	Password string
	Command  string
	MTU      int

	// HostKeyCallback verifies the server. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback

	Timeout time.Duration
}

// sshStream joins the remote command's pipes and owns the connection.
type sshStream struct {
	io.Reader
	io.WriteCloser
	session *ssh.Session
	client  *ssh.Client
}

func (s *sshStream) Close() error {
	s.WriteCloser.Close()
	s.session.Close()
	return s.client.Close()
}

// DialSSH connects, starts the bridge command and returns a StreamLink over
// its stdin and stdout.
func DialSSH(ctx context.Context, cfg SSHConfig) (*StreamLink, error) {
	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.Address)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address, config)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", cfg.Address)
	}
	client := ssh.NewClient(c, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ssh session")
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "ssh stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "ssh stdout")
	}
	if err := session.Start(cfg.Command); err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrapf(err, "start %q", cfg.Command)
	}

	return NewStreamLink(&sshStream{Reader: stdout, WriteCloser: stdin, session: session, client: client}, cfg.MTU), nil
}

// SSHConnector dials through DialSSH.
type SSHConnector SSHConfig

func (c SSHConnector) Connect(ctx context.Context) (Link, error) {
	return DialSSH(ctx, SSHConfig(c))
}
