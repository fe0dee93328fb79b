// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Key names a long-running remote command.
type Key string

const (
	// Operation is the settings install run by SendSettings.
	Operation Key = "operation"
	// Sensor is the sensor node.
	Sensor Key = "sensor"
	// Dynamixel is the dynamixel controller node.
	Dynamixel Key = "dynamixel"
)

// Keys is every valid Key.
var Keys = []Key{Operation, Sensor, Dynamixel}

// ErrActive is returned when a key already has a live session.
var ErrActive = errors.New("session already active")

// ErrBadKey is returned for a key not in Keys.
var ErrBadKey = errors.New("unknown session key")

var v = func(string, ...interface{}) {}

// SetVerbose sets the debug print function.
func SetVerbose(f func(string, ...interface{})) {
	v = f
}

func verbose(f string, a ...interface{}) {
	v("session:"+f, a...)
}

// ParseKey converts s to a Key.
func ParseKey(s string) (Key, error) {
	for _, k := range Keys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrBadKey)
}

func (k Key) String() string {
	return string(k)
}

// Handle is what the registry needs to know about a session.
type Handle interface {
	// Exited reports whether the remote command has finished.
	Exited() bool
}

// Registry holds at most one session per Key.
// It is safe for concurrent use.
type Registry[S Handle] struct {
	mu       sync.Mutex
	sessions map[Key]S
}

// New returns an empty Registry.
func New[S Handle]() *Registry[S] {
	return &Registry[S]{sessions: make(map[Key]S)}
}

// Register records s under k. If k already holds a session that has not
// exited, Register fails with ErrActive and the registry is unchanged;
// callers must disconnect first. A session that has exited is replaced.
func (r *Registry[S]) Register(k Key, s S) error {
	if _, err := ParseKey(string(k)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[k]; ok {
		if !old.Exited() {
			return fmt.Errorf("%v: %w", k, ErrActive)
		}
		verbose("replacing exited session %v", k)
	}
	r.sessions[k] = s
	verbose("registered %v", k)
	return nil
}

// Get returns the session under k, if any.
func (r *Registry[S]) Get(k Key) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[k]
	return s, ok
}

// Remove deletes and returns the session under k, if any.
func (r *Registry[S]) Remove(k Key) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[k]
	if ok {
		delete(r.sessions, k)
		verbose("removed %v", k)
	}
	return s, ok
}

// Active returns the keys that currently hold a session, sorted.
func (r *Registry[S]) Active() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []Key
	for k := range r.sessions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Drain removes and returns every session.
func (r *Registry[S]) Drain() map[Key]S {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sessions
	r.sessions = make(map[Key]S)
	return all
}
