// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads the robot settings file.
//
// The settings file is YAML and is consumed once, when a controller is
// built. Only the keys below are used; anything else in the file is
// ignored.
//
//	robot_ip_addr: 192.168.1.20   # required; may also be a dnssd: URI
//	username: pi                  # required
//	password: raspberry           # required
//	rosmaster_ip_addr: 10.0.0.2   # optional, defaults to robot_ip_addr
//	host_ip_addr: 10.0.0.3        # optional
//	ssh_port: 22                  # optional
//	known_hosts: ~/.ssh/known_hosts  # optional
//
// Nothing here touches the process environment. The ROS addressing that
// downstream tools need is returned as a ROSEnv value instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSSHPort is used when ssh_port is not set.
	DefaultSSHPort = "22"
	// ROSMasterPort is the port roscore listens on.
	ROSMasterPort = "11311"
)

// Settings is the content of a robot settings file.
type Settings struct {
	RobotIPAddr     string `yaml:"robot_ip_addr"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	RosMasterIPAddr string `yaml:"rosmaster_ip_addr,omitempty"`
	HostIPAddr      string `yaml:"host_ip_addr,omitempty"`
	SSHPort         string `yaml:"ssh_port,omitempty"`
	KnownHosts      string `yaml:"known_hosts,omitempty"`
}

// MissingKeyError reports a required key that is absent or empty.
type MissingKeyError struct {
	Path string
	Key  string
}

func (e *MissingKeyError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("config: required key %q is missing", e.Key)
	}
	return fmt.Sprintf("config: %s: required key %q is missing", e.Path, e.Key)
}

// Load reads and validates the settings file at path. On a
// *MissingKeyError the keys that were present are still returned.
func Load(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	s, err := Parse(b)
	if err != nil {
		if me, ok := err.(*MissingKeyError); ok {
			me.Path = path
			return s, me
		}
		return Settings{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates settings from YAML bytes. Settings that
// decoded but fail validation are returned along with the error.
func Parse(b []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks that every required key is present.
func (s Settings) Validate() error {
	for _, r := range []struct {
		key string
		val string
	}{
		{"robot_ip_addr", s.RobotIPAddr},
		{"username", s.Username},
		{"password", s.Password},
	} {
		if len(strings.TrimSpace(r.val)) == 0 {
			return &MissingKeyError{Key: r.key}
		}
	}
	return nil
}

// Port returns the SSH port, falling back to DefaultSSHPort.
func (s Settings) Port() string {
	if len(s.SSHPort) == 0 {
		return DefaultSSHPort
	}
	return s.SSHPort
}

// KnownHostsFile returns the known_hosts path with a leading ~ expanded.
// It returns "" when no file is configured.
func (s Settings) KnownHostsFile() string {
	kh := s.KnownHosts
	if strings.HasPrefix(kh, "~") {
		kh = filepath.Join(os.Getenv("HOME"), kh[1:])
	}
	return kh
}

// ROSEnv holds the ROS addressing for tools started on this host.
type ROSEnv struct {
	MasterURI string
	IP        string
	Hostname  string
}

// ROSEnv derives the ROS addressing from the settings. The master is
// rosmaster_ip_addr if set, else the robot itself.
func (s Settings) ROSEnv() ROSEnv {
	master := s.RosMasterIPAddr
	if len(master) == 0 {
		master = s.RobotIPAddr
	}
	return ROSEnv{
		MasterURI: fmt.Sprintf("http://%s:%s", master, ROSMasterPort),
		IP:        s.HostIPAddr,
		Hostname:  s.HostIPAddr,
	}
}

// Environ returns the variables as KEY=value pairs, suitable for
// exec.Cmd.Env. Empty values are left out.
func (e ROSEnv) Environ() []string {
	var env []string
	for _, kv := range [][2]string{
		{"ROS_MASTER_URI", e.MasterURI},
		{"ROS_IP", e.IP},
		{"ROS_HOSTNAME", e.Hostname},
	} {
		if len(kv[1]) == 0 {
			continue
		}
		env = append(env, kv[0]+"="+kv[1])
	}
	return env
}
