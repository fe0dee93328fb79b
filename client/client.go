// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/u-root/u-root/pkg/termios"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultPort is the ssh port used when neither the caller nor
	// .ssh/config names one.
	DefaultPort = "22"
	defaultRow  = 40
	defaultCol  = 80
	termType    = "xterm"
)

// V allows debug printing.
var V = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	V = f
}

// ErrNotConnected is returned by operations on a Conn that is not dialed
// or already closed.
var ErrNotConnected = errors.New("not connected")

// Endpoint is the robot and the credentials to log in with.
type Endpoint struct {
	Host     string
	Port     string
	User     string
	Password string
}

// Validate checks that Host, User and Password are set.
func (e Endpoint) Validate() error {
	switch {
	case len(e.Host) == 0:
		return fmt.Errorf("endpoint: empty host")
	case len(e.User) == 0:
		return fmt.Errorf("endpoint: empty user")
	case len(e.Password) == 0:
		return fmt.Errorf("endpoint: empty password")
	}
	return nil
}

// ConnectionError is returned when the robot can not be reached or
// refuses us.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Conn is one authenticated ssh connection to the robot. Sessions and
// file transfers share it.
type Conn struct {
	config ssh.ClientConfig
	client *ssh.Client

	Endpoint Endpoint
	// HostName as found in .ssh/config; set to Endpoint.Host if not found.
	HostName string
	// Timeout bounds the dial and handshake. Zero means no limit.
	Timeout time.Duration
	// KnownHosts is the file used for trust-on-first-use host keys.
	// If empty, keys are remembered for the life of the process only.
	KnownHosts string
	// Row and Col size the pty requested by Exec.
	Row int
	Col int

	network   string
	sshConfig bool
	hostKeys  *tofu

	mu     sync.Mutex
	closed bool
}

// Set is an option for a Conn.
type Set func(*Conn) error

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) Set {
	return func(c *Conn) error {
		if d < 0 {
			return fmt.Errorf("negative timeout %v", d)
		}
		c.Timeout = d
		return nil
	}
}

// WithKnownHosts sets the known_hosts file.
func WithKnownHosts(file string) Set {
	return func(c *Conn) error {
		c.KnownHosts = file
		return nil
	}
}

// WithSSHConfig controls whether .ssh/config may refine host and port.
func WithSSHConfig(b bool) Set {
	return func(c *Conn) error {
		c.sshConfig = b
		return nil
	}
}

// WithNetwork sets the network, e.g. "tcp4". The default is "tcp".
func WithNetwork(network string) Set {
	return func(c *Conn) error {
		if len(network) != 0 {
			c.network = network
		}
		return nil
	}
}

// WithWindow sets the pty size.
func WithWindow(row, col int) Set {
	return func(c *Conn) error {
		if row <= 0 || col <= 0 {
			return fmt.Errorf("bad window size %dx%d", col, row)
		}
		c.Row, c.Col = row, col
		return nil
	}
}

// New returns an undialed Conn for ep.
func New(ep Endpoint) *Conn {
	col, row := defaultCol, defaultRow
	if w, err := termios.GetWinSize(0); err != nil {
		V("Can not get winsize: %v; assuming %dx%d", err, col, row)
	} else if w.Col != 0 && w.Row != 0 {
		col, row = int(w.Col), int(w.Row)
	}
	return &Conn{
		Endpoint:  ep,
		HostName:  ep.Host,
		Row:       row,
		Col:       col,
		network:   "tcp",
		sshConfig: true,
	}
}

// SetOptions applies opts to c.
func (c *Conn) SetOptions(opts ...Set) error {
	for _, o := range opts {
		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

// Dial connects to ep and logs in.
func Dial(ctx context.Context, ep Endpoint, opts ...Set) (*Conn, error) {
	c := New(ep)
	if err := c.SetOptions(opts...); err != nil {
		return nil, err
	}
	if err := c.Dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr returns host:port as dialed.
func (c *Conn) Addr() (string, error) {
	port, err := c.port()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(c.HostName, port), nil
}

func (c *Conn) port() (string, error) {
	if !c.sshConfig {
		if len(c.Endpoint.Port) == 0 {
			return DefaultPort, nil
		}
		return c.Endpoint.Port, nil
	}
	return GetPort(c.Endpoint.Host, c.Endpoint.Port)
}

// Dial implements ssh.Dial for the robot connection. ctx only governs
// the dial and handshake; the connection outlives it.
func (c *Conn) Dial(ctx context.Context) error {
	if err := c.Endpoint.Validate(); err != nil {
		return &ConnectionError{Addr: c.Endpoint.Host, Err: err}
	}
	if c.sshConfig {
		c.HostName = GetHostName(c.Endpoint.Host)
	}
	addr, err := c.Addr()
	if err != nil {
		return &ConnectionError{Addr: c.Endpoint.Host, Err: err}
	}
	if c.hostKeys == nil {
		c.hostKeys = newTOFU(c.KnownHosts)
	}
	c.config = ssh.ClientConfig{
		User:            c.Endpoint.User,
		Auth:            passwordAuth(c.Endpoint.Password),
		HostKeyCallback: c.hostKeys.check,
	}

	d := net.Dialer{Timeout: c.Timeout}
	nc, err := d.DialContext(ctx, c.network, addr)
	V("client:dial(%s, %s): (%v, %v)", c.network, addr, nc, err)
	if err != nil {
		return &ConnectionError{Addr: addr, Err: err}
	}
	if c.Timeout > 0 {
		if err := nc.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			nc.Close()
			return &ConnectionError{Addr: addr, Err: err}
		}
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, &c.config)
	canceled := !stop()
	if err != nil {
		nc.Close()
		if canceled && ctx.Err() != nil {
			err = ctx.Err()
		}
		return &ConnectionError{Addr: addr, Err: err}
	}
	if canceled {
		sc.Close()
		return &ConnectionError{Addr: addr, Err: ctx.Err()}
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		sc.Close()
		return &ConnectionError{Addr: addr, Err: err}
	}
	c.client = ssh.NewClient(sc, chans, reqs)
	V("client:connected to %s as %s", addr, c.Endpoint.User)
	return nil
}

// passwordAuth offers the password both ways sshd may ask for it.
func passwordAuth(pw string) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.Password(pw),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = pw
			}
			return answers, nil
		}),
	}
}

func (c *Conn) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.closed {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// Exec starts cmd on the robot with a pty and returns at once.
// The command keeps running until it exits, is interrupted, or the
// connection closes.
func (c *Conn) Exec(cmd string) (*Session, error) {
	cl, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	s, err := cl.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,     // disable echoing
		ssh.TTY_OP_ISPEED: 14400, // input speed = 14.4kbaud
		ssh.TTY_OP_OSPEED: 14400, // output speed = 14.4kbaud
	}
	V("client:s.RequestPty(%q, %v, %v, %#x)", termType, c.Row, c.Col, modes)
	if err := s.RequestPty(termType, c.Row, c.Col, modes); err != nil {
		s.Close()
		return nil, fmt.Errorf("request for pseudo terminal failed: %w", err)
	}
	stdin, err := s.StdinPipe()
	if err != nil {
		s.Close()
		return nil, err
	}
	stdout, err := s.StdoutPipe()
	if err != nil {
		s.Close()
		return nil, err
	}
	stderr, err := s.StderrPipe()
	if err != nil {
		s.Close()
		return nil, err
	}
	V("client:call session.Start(%s)", cmd)
	if err := s.Start(cmd); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run %q: %w", cmd, err)
	}
	return newSession(uuid.NewString(), cmd, stdin, stdout, stderr, s.Wait, s.Close), nil
}

// Close closes the connection. It is safe to call more than once, and on
// a Conn that never connected.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.client == nil {
		c.closed = true
		return nil
	}
	c.closed = true
	err := c.client.Close()
	V("client:close: %v", err)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
