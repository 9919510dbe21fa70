package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshDialer starts game processes by opening an SSH session to the
// shell host as the session's throwaway account. The account's login
// shell is the game launcher, so requesting a shell starts the game.
type sshDialer struct {
	hostPort string
}

var _ RemoteDialer = (*sshDialer)(nil)

func NewSSHDialer(hostPort string) RemoteDialer {
	return &sshDialer{hostPort: hostPort}
}

func (d *sshDialer) Dial(ctx context.Context, login, password string) (RemoteProcess, error) {
	cfg := &ssh.ClientConfig{
		User: login,
		Auth: []ssh.AuthMethod{ssh.Password(password)},
		// The shell host lives on the same box or a private network;
		// its host key is not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	conn, err := net.DialTimeout("tcp", d.hostPort, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.hostPort, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, d.hostPort, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake as %s: %w", login, err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	p := &sshProcess{
		client: client,
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go func() {
		sess.Wait()
		close(p.done)
	}()
	return p, nil
}

type sshProcess struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	done      chan struct{}
	closeOnce sync.Once
}

var _ RemoteProcess = (*sshProcess)(nil)

func (p *sshProcess) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *sshProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *sshProcess) Resize(cols, rows int) error {
	return p.sess.WindowChange(rows, cols)
}

func (p *sshProcess) Signal(sig string) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.sess.Signal(ssh.Signal(sig))
}

func (p *sshProcess) Done() <-chan struct{} { return p.done }

func (p *sshProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.stdin.Close()
		p.sess.Close()
		err = p.client.Close()
	})
	return err
}
