// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package supervisor

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// Port is where supervisord's inet_http_server listens on the robot.
	Port = "9999"
	// Path is the XML-RPC endpoint.
	Path = "/RPC2"
	// Running is the state name of a started program.
	Running = "RUNNING"

	// Fault codes from supervisor/xmlrpc.py.
	FaultBadName        = 10
	FaultAlreadyStarted = 60
	FaultNotRunning     = 70
)

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

// ErrUnbound is returned for a stop issued before anything was started.
var ErrUnbound = errors.New("supervisor not bound")

// URL returns the XML-RPC endpoint on host, with the credentials in it.
func URL(host, user, pass string) string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, Port),
		Path:   Path,
	}
	return u.String()
}

// Fault is an XML-RPC fault returned by supervisord, e.g.
// {10, "BAD_NAME: run_robot"}.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.String)
}

// Error is any failure of a call: transport, HTTP status, fault or a
// response we could not decode.
type Error struct {
	Method string
	Name   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s(%s): %v", e.Method, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ProcessInfo is what supervisor.getProcessInfo reports for a program.
type ProcessInfo struct {
	Name        string
	Group       string
	State       int
	StateName   string
	PID         int
	ExitStatus  int
	Description string
	SpawnErr    string
}

// Client calls one supervisord.
type Client struct {
	endpoint string
	user     *url.Userinfo
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each call. The default is no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New returns a Client for endpoint, as made by URL. Credentials in the
// endpoint are sent as basic auth.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("supervisor endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("supervisor endpoint %q: scheme must be http or https", u.Redacted())
	}
	c := &Client{user: u.User, http: &http.Client{}}
	u.User = nil
	c.endpoint = u.String()
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ProcessInfo returns the state of the named program.
func (c *Client) ProcessInfo(ctx context.Context, name string) (*ProcessInfo, error) {
	const m = "supervisor.getProcessInfo"
	r, err := c.call(ctx, m, xmlStringParam(name))
	if err != nil {
		return nil, &Error{Method: m, Name: name, Err: err}
	}
	if len(r.Params) == 0 || r.Params[0].Value.Struct == nil {
		return nil, &Error{Method: m, Name: name, Err: fmt.Errorf("response has no struct")}
	}
	return parseProcessInfo(r.Params[0].Value.Struct), nil
}

// State returns the state name of the program, e.g. RUNNING or STOPPED.
func (c *Client) State(ctx context.Context, name string) (string, error) {
	p, err := c.ProcessInfo(ctx, name)
	if err != nil {
		return "", err
	}
	return p.StateName, nil
}

// StartProcess starts the program and waits until it is running.
func (c *Client) StartProcess(ctx context.Context, name string) error {
	const m = "supervisor.startProcess"
	if _, err := c.call(ctx, m, xmlStringParam(name), xmlBoolParam(true)); err != nil {
		return &Error{Method: m, Name: name, Err: err}
	}
	return nil
}

// StopProcess stops the program and waits until it has stopped.
func (c *Client) StopProcess(ctx context.Context, name string) error {
	const m = "supervisor.stopProcess"
	if _, err := c.call(ctx, m, xmlStringParam(name), xmlBoolParam(true)); err != nil {
		return &Error{Method: m, Name: name, Err: err}
	}
	return nil
}

// Start (re)starts the program: a running program is stopped first.
func (c *Client) Start(ctx context.Context, name string) error {
	state, err := c.State(ctx, name)
	if err != nil {
		return err
	}
	v("supervisor:%s is %s", name, state)
	if state == Running {
		if err := c.StopProcess(ctx, name); err != nil {
			return err
		}
	}
	return c.StartProcess(ctx, name)
}

// Stop stops the program.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.StopProcess(ctx, name)
}

func (c *Client) call(ctx context.Context, method string, params ...string) (*methodResponse, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	b.WriteString(method)
	b.WriteString(`</methodName>`)
	if len(params) > 0 {
		b.WriteString("<params>")
		for _, p := range params {
			b.WriteString("<param>" + p + "</param>")
		}
		b.WriteString("</params>")
	}
	b.WriteString(`</methodCall>`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(b.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	if c.user != nil {
		pw, _ := c.user.Password()
		req.SetBasicAuth(c.user.Username(), pw)
	}

	v("supervisor:call %s %s", c.endpoint, method)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supervisord unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supervisord HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var r methodResponse
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if r.Fault != nil {
		return nil, r.Fault.fault()
	}
	return &r, nil
}

func xmlStringParam(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s)) //nolint
	return "<value><string>" + buf.String() + "</string></value>"
}

func xmlBoolParam(b bool) string {
	if b {
		return "<value><boolean>1</boolean></value>"
	}
	return "<value><boolean>0</boolean></value>"
}

type methodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  []struct {
		Value xmlValue `xml:"value"`
	} `xml:"params>param"`
	Fault *xmlFault `xml:"fault"`
}

type xmlFault struct {
	Value xmlValue `xml:"value"`
}

// xmlValue is a scalar or a struct. A value with no type element is a
// string.
type xmlValue struct {
	Str    *string    `xml:"string"`
	Int    string     `xml:"int"`
	I4     string     `xml:"i4"`
	Bool   string     `xml:"boolean"`
	Struct *xmlStruct `xml:"struct"`
	Text   string     `xml:",chardata"`
}

type xmlStruct struct {
	Members []struct {
		Name  string   `xml:"name"`
		Value xmlValue `xml:"value"`
	} `xml:"member"`
}

func (x xmlValue) str() string {
	if x.Str != nil {
		return *x.Str
	}
	return strings.TrimSpace(x.Text)
}

func (x xmlValue) num() int {
	s := x.Int
	if len(s) == 0 {
		s = x.I4
	}
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func (f *xmlFault) fault() *Fault {
	ft := &Fault{String: "unknown error"}
	if f.Value.Struct == nil {
		return ft
	}
	for _, m := range f.Value.Struct.Members {
		switch m.Name {
		case "faultCode":
			ft.Code = m.Value.num()
		case "faultString":
			ft.String = m.Value.str()
		}
	}
	return ft
}

func parseProcessInfo(s *xmlStruct) *ProcessInfo {
	p := &ProcessInfo{}
	for _, m := range s.Members {
		switch m.Name {
		case "name":
			p.Name = m.Value.str()
		case "group":
			p.Group = m.Value.str()
		case "state":
			p.State = m.Value.num()
		case "statename":
			p.StateName = m.Value.str()
		case "pid":
			p.PID = m.Value.num()
		case "exitstatus":
			p.ExitStatus = m.Value.num()
		case "description":
			p.Description = m.Value.str()
		case "spawnerr":
			p.SpawnErr = m.Value.str()
		}
	}
	return p
}
