// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IRSL-tut/cps-rpi/client"
	"github.com/IRSL-tut/cps-rpi/config"
	"github.com/IRSL-tut/cps-rpi/ds"
	"github.com/IRSL-tut/cps-rpi/launch"
	"github.com/IRSL-tut/cps-rpi/session"
	"github.com/IRSL-tut/cps-rpi/supervisor"
	"github.com/hashicorp/go-multierror"
)

const (
	// ServiceName is the supervisord program that runs the robot.
	ServiceName = "run_robot"
	// DefaultSettle bounds how long SendSettings waits for the remote
	// directory to be set up before copying files into it.
	DefaultSettle = 2 * time.Second
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function for this package and the
// ones it drives.
func SetVerbose(f func(string, ...interface{})) {
	v = f
	client.SetVerbose(f)
	session.SetVerbose(f)
	supervisor.SetVerbose(f)
	ds.Verbose(f)
}

// Session is a running remote command.
type Session interface {
	session.Handle
	Done() <-chan struct{}
	Err() error
	ReadAvailable() string
	// Close interrupts the command and releases it.
	Close() error
}

// Conn runs commands on, and copies files to, the robot.
type Conn interface {
	Exec(cmd string) (Session, error)
	Push(files []client.File) error
	Close() error
}

// Supervisor manages programs under supervisord.
type Supervisor interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	State(ctx context.Context, name string) (string, error)
}

type sshConn struct {
	*client.Conn
}

func (c sshConn) Exec(cmd string) (Session, error) {
	s, err := c.Conn.Exec(cmd)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Controller drives one robot: at most one ssh connection, at most one
// session per key, and the robot's supervisord.
type Controller struct {
	// Name is the robot name, used as the ROS namespace.
	Name string

	cfg     config.Settings
	host    string
	port    string
	layout  launch.Layout
	timeout time.Duration
	settle  time.Duration
	now     func() time.Time

	conn     Conn
	sessions *session.Registry[Session]

	resolve       func(ctx context.Context, addr string) (string, string, error)
	newSupervisor func(endpoint string) (Supervisor, error)
	keepRobot     bool
	mu            sync.Mutex
	sv            Supervisor

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Controller.
type Option func(*Controller)

// WithTimeout bounds the ssh dial and each supervisord call. Zero, the
// default, means no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.timeout = d
	}
}

// WithSettle sets how long SendSettings waits for its remote command.
func WithSettle(d time.Duration) Option {
	return func(c *Controller) {
		c.settle = d
	}
}

// WithConn uses conn instead of dialing the robot.
func WithConn(conn Conn) Option {
	return func(c *Controller) {
		c.conn = conn
	}
}

// WithSupervisor sets how the supervisord client is made from its
// endpoint URL.
func WithSupervisor(f func(endpoint string) (Supervisor, error)) Option {
	return func(c *Controller) {
		c.newSupervisor = f
	}
}

// WithResolver sets how robot_ip_addr becomes a host and port. The
// default is ds.Resolve.
func WithResolver(f func(ctx context.Context, addr string) (host, port string, err error)) Option {
	return func(c *Controller) {
		c.resolve = f
	}
}

// WithKeepRobot leaves the robot running when the Controller is closed.
func WithKeepRobot(b bool) Option {
	return func(c *Controller) {
		c.keepRobot = b
	}
}

// WithHome sets the remote home directory. It defaults to
// /home/<username>.
func WithHome(home string) Option {
	return func(c *Controller) {
		c.layout.Home = home
	}
}

// WithClock sets the clock used to name settings directories.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New connects to the robot described by cfg. robot is the robot name.
// If robot_ip_addr is a dnssd: URI it is looked up first.
//
// If New fails, everything it acquired has been released.
func New(ctx context.Context, robot string, cfg config.Settings, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		Name:     robot,
		cfg:      cfg,
		layout:   launch.Layout{User: cfg.Username},
		settle:   DefaultSettle,
		now:      time.Now,
		sessions: session.New[Session](),
		resolve:  ds.Resolve,
	}
	c.newSupervisor = c.supervisorClient
	for _, o := range opts {
		o(c)
	}

	host, port, err := c.resolve(ctx, cfg.RobotIPAddr)
	if err != nil {
		return nil, err
	}
	if len(port) == 0 {
		port = cfg.Port()
	}
	c.host, c.port = host, port
	v("controller:%s is at %s port %s", robot, host, port)

	if c.conn == nil {
		ep := client.Endpoint{Host: host, Port: port, User: cfg.Username, Password: cfg.Password}
		conn, err := client.Dial(ctx, ep, client.WithTimeout(c.timeout), client.WithKnownHosts(cfg.KnownHostsFile()))
		if err != nil {
			if cerr := c.Close(); cerr != nil {
				v("controller:close after failed dial: %v", cerr)
			}
			return nil, err
		}
		c.conn = sshConn{conn}
	}
	return c, nil
}

func (c *Controller) supervisorClient(endpoint string) (Supervisor, error) {
	return supervisor.New(endpoint, supervisor.WithTimeout(c.timeout))
}

// Host returns the robot's address, after any dns-sd lookup.
func (c *Controller) Host() string {
	return c.host
}

// ROSEnv returns the ROS addressing for tools started on this host.
// A dns-sd robot address is replaced by the host it resolved to.
// Nothing is written to the process environment.
func (c *Controller) ROSEnv() config.ROSEnv {
	cfg := c.cfg
	if ds.IsURI(cfg.RobotIPAddr) {
		cfg.RobotIPAddr = c.host
	}
	return cfg.ROSEnv()
}

func (c *Controller) connection() (Conn, error) {
	if c.conn == nil {
		return nil, client.ErrNotConnected
	}
	return c.conn, nil
}

// start runs cmd and records it under k.
func (c *Controller) start(k session.Key, cmd string) (Session, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	s, err := conn.Exec(cmd)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", k, err)
	}
	if err := c.sessions.Register(k, s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// idle returns ErrActive if k holds a live session.
func (c *Controller) idle(k session.Key) error {
	if c.Active(k) {
		return fmt.Errorf("%v: %w", k, session.ErrActive)
	}
	return nil
}

// SendSettings installs a new set of settings on the robot: a dated
// directory under ~/cps_settings, the latest_settings link pointing at
// it, a run_robot.sh for spec, and the files spec names.
//
// The directory is made by a command run under the operation key.
// SendSettings waits for it, for at most the settle time, before
// copying the files. Files copied before a failed one stay on the robot.
func (c *Controller) SendSettings(ctx context.Context, spec launch.Spec) (launch.Settings, error) {
	if len(spec.Namespace) == 0 {
		spec.Namespace = c.Name
	}
	st := c.layout.Settings(c.now(), spec)
	if err := c.idle(session.Operation); err != nil {
		return st, err
	}
	s, err := c.start(session.Operation, st.Command)
	if err != nil {
		return st, err
	}

	t := time.NewTimer(c.settle)
	defer t.Stop()
	select {
	case <-s.Done():
		if err := s.Err(); err != nil {
			return st, fmt.Errorf("creating %s: %w", st.Dir, err)
		}
	case <-t.C:
		v("controller:settings command still running after %v", c.settle)
	case <-ctx.Done():
		return st, ctx.Err()
	}

	files := make([]client.File, 0, len(st.Uploads))
	for _, u := range st.Uploads {
		files = append(files, client.File{Local: u.Local, Remote: u.Remote})
	}
	conn, err := c.connection()
	if err != nil {
		return st, err
	}
	return st, conn.Push(files)
}

func (c *Controller) bind() (Supervisor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sv != nil {
		return c.sv, nil
	}
	sv, err := c.newSupervisor(supervisor.URL(c.host, c.cfg.Username, c.cfg.Password))
	if err != nil {
		return nil, &supervisor.Error{Method: "bind", Name: ServiceName, Err: err}
	}
	c.sv = sv
	return sv, nil
}

// BindRobot binds the supervisor without starting anything, so that a
// robot started elsewhere can be stopped.
func (c *Controller) BindRobot() error {
	_, err := c.bind()
	return err
}

func (c *Controller) bound() Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sv
}

// StartRobot starts run_robot under supervisord, restarting it if it is
// already running.
func (c *Controller) StartRobot(ctx context.Context) error {
	sv, err := c.bind()
	if err != nil {
		return err
	}
	return sv.Start(ctx, ServiceName)
}

// StopRobot stops run_robot. It is an error to call it before
// StartRobot.
func (c *Controller) StopRobot(ctx context.Context) error {
	sv := c.bound()
	if sv == nil {
		return &supervisor.Error{Method: "supervisor.stopProcess", Name: ServiceName, Err: supervisor.ErrUnbound}
	}
	return sv.Stop(ctx, ServiceName)
}

// RobotState returns the supervisord state of run_robot, e.g. RUNNING.
// Asking does not bind the supervisor, so Close will not stop a robot
// that this controller never started.
func (c *Controller) RobotState(ctx context.Context) (string, error) {
	sv := c.bound()
	if sv == nil {
		var err error
		if sv, err = c.newSupervisor(supervisor.URL(c.host, c.cfg.Username, c.cfg.Password)); err != nil {
			return "", &supervisor.Error{Method: "bind", Name: ServiceName, Err: err}
		}
	}
	return sv.State(ctx, ServiceName)
}

// ConnectSensor copies config to the robot and starts the sensor node.
func (c *Controller) ConnectSensor(config string) error {
	if err := c.idle(session.Sensor); err != nil {
		return err
	}
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Push([]client.File{{Local: config, Remote: launch.TmpSensorConfig}}); err != nil {
		return err
	}
	_, err = c.start(session.Sensor, c.layout.SensorCommand(c.Name, launch.TmpSensorConfig))
	return err
}

// ConnectDynamixel copies the dynamixel and controller configurations to
// the robot and starts the dynamixel controllers.
func (c *Controller) ConnectDynamixel(dynamixel, controller string) error {
	if err := c.idle(session.Dynamixel); err != nil {
		return err
	}
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Push([]client.File{
		{Local: dynamixel, Remote: launch.TmpDynamixelConfig},
		{Local: controller, Remote: launch.TmpControllerConfig},
	}); err != nil {
		return err
	}
	_, err = c.start(session.Dynamixel, c.layout.DynamixelCommand(c.Name, launch.TmpDynamixelConfig, launch.TmpControllerConfig))
	return err
}

// Disconnect interrupts the session under k and forgets it. It does
// nothing if there is none.
func (c *Controller) Disconnect(k session.Key) error {
	if c.sessions == nil {
		return nil
	}
	s, ok := c.sessions.Remove(k)
	if !ok {
		return nil
	}
	v("controller:disconnect %v", k)
	return s.Close()
}

// DisconnectSensor stops the sensor node.
func (c *Controller) DisconnectSensor() error {
	return c.Disconnect(session.Sensor)
}

// DisconnectDynamixel stops the dynamixel controllers.
func (c *Controller) DisconnectDynamixel() error {
	return c.Disconnect(session.Dynamixel)
}

// Active reports whether k holds a session that is still running.
func (c *Controller) Active(k session.Key) bool {
	if c.sessions == nil {
		return false
	}
	s, ok := c.sessions.Get(k)
	return ok && !s.Exited()
}

// Output returns whatever output of the session under k is ready, or ""
// if there is none or no such session. It never waits.
func (c *Controller) Output(k session.Key) string {
	if c.sessions == nil {
		return ""
	}
	s, ok := c.sessions.Get(k)
	if !ok {
		return ""
	}
	return s.ReadAvailable()
}

// SensorOutput is Output(session.Sensor).
func (c *Controller) SensorOutput() string {
	return c.Output(session.Sensor)
}

// DynamixelOutput is Output(session.Dynamixel).
func (c *Controller) DynamixelOutput() string {
	return c.Output(session.Dynamixel)
}

// Close interrupts every running session, closes the connection and, if
// the supervisor was bound, stops the robot unless WithKeepRobot was
// given. A robot that is already stopped is not an error.
//
// Only the first call does anything; later calls return the same error.
// Close works on a Controller that New gave up on half way.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		var errs error
		if c.sessions != nil {
			for k, s := range c.sessions.Drain() {
				if s.Exited() {
					continue
				}
				if err := s.Close(); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("%v: %w", k, err))
				}
			}
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if sv := c.bound(); sv != nil && !c.keepRobot {
			ctx := context.Background()
			if c.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			var f *supervisor.Fault
			if err := sv.Stop(ctx, ServiceName); err != nil && !(errors.As(err, &f) && f.Code == supervisor.FaultNotRunning) {
				errs = multierror.Append(errs, err)
			}
		}
		c.closeErr = errs
		v("controller:closed: %v", errs)
	})
	return c.closeErr
}
