// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	config "github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyChanged is returned when a host presents a key other than the
// one first seen for it.
var ErrHostKeyChanged = errors.New("host key changed")

// GetHostName reads the host name from the ssh config file,
// if needed. If it is not found, the host name is returned.
func GetHostName(host string) string {
	h := config.Get(host, "HostName")
	if len(h) != 0 {
		host = h
	}
	return host
}

// GetPort gets a port. An explicit port wins, then .ssh/config, then
// DefaultPort. It verifies that the port fits in 16-bit space.
func GetPort(host, port string) (string, error) {
	p := port
	V("getPort(%q, %q)", host, port)
	if len(port) == 0 {
		if cp := config.Get(host, "Port"); len(cp) != 0 {
			V("config.Get(%q,%q): %q", host, port, cp)
			p = cp
		}
	}
	if len(p) == 0 {
		p = DefaultPort
		V("getPort: return default %q", p)
	}
	if _, err := strconv.ParseUint(p, 10, 16); err != nil {
		return "", fmt.Errorf("port %q: %w", p, err)
	}
	V("returns %q", p)
	return p, nil
}

// tofu is a trust-on-first-use host key store. With a file it behaves
// like ssh's StrictHostKeyChecking=accept-new; without one it only
// remembers keys for the life of the process.
type tofu struct {
	mu   sync.Mutex
	file string
	mem  map[string]ssh.PublicKey
}

func newTOFU(file string) *tofu {
	return &tofu{file: file, mem: make(map[string]ssh.PublicKey)}
}

func (t *tofu) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	host := knownhosts.Normalize(hostname)
	if len(t.file) == 0 {
		if k, ok := t.mem[host]; ok {
			if !bytes.Equal(k.Marshal(), key.Marshal()) {
				return fmt.Errorf("%s: %w", host, ErrHostKeyChanged)
			}
			return nil
		}
		V("client:trusting %s key for %s", key.Type(), host)
		t.mem[host] = key
		return nil
	}

	if _, err := os.Stat(t.file); err == nil {
		cb, err := knownhosts.New(t.file)
		if err != nil {
			return err
		}
		err = cb(hostname, remote, key)
		var ke *knownhosts.KeyError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &ke) && len(ke.Want) > 0:
			return fmt.Errorf("%s: %w: %v", host, ErrHostKeyChanged, err)
		case errors.As(err, &ke):
			// Unknown host: fall through and learn it.
		default:
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return t.remember(host, key)
}

func (t *tofu) remember(host string, key ssh.PublicKey) error {
	V("client:adding %s key for %s to %s", key.Type(), host, t.file)
	if err := os.MkdirAll(filepath.Dir(t.file), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(t.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{host}, key)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
