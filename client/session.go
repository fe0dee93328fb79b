// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"errors"
	"io"
	"sync"
)

const (
	// ChunkSize bounds a single ReadAvailable.
	ChunkSize = 2048
	// ETX is what ^C sends; the remote pty turns it into SIGINT.
	ETX = 0x03
)

// Session is a command running on the robot.
//
// Output is read with ReadAvailable, which never blocks. A goroutine
// reads stdout (and another stderr) at most ChunkSize bytes at a time and
// holds at most one chunk until it is taken, so a session that nobody
// reads from stalls the remote writer rather than growing memory.
type Session struct {
	// ID identifies the session in logs.
	ID string
	// Cmd is the command line as sent to the robot.
	Cmd string
	// Stdin is the remote command's input. Use Interrupt to stop it.
	Stdin io.WriteCloser

	out  chan []byte
	errc chan []byte
	done chan struct{}
	err  error

	closer    func() error
	interrupt sync.Once
	ierr      error
	stdinDown chan struct{}
}

func newSession(id, cmd string, stdin io.WriteCloser, stdout, stderr io.Reader, wait, closer func() error) *Session {
	s := &Session{
		ID:        id,
		Cmd:       cmd,
		Stdin:     stdin,
		out:       make(chan []byte, 1),
		errc:      make(chan []byte, 1),
		done:      make(chan struct{}),
		closer:    closer,
		stdinDown: make(chan struct{}),
	}
	go s.pump(stdout, s.out)
	if stderr != nil {
		go s.pump(stderr, s.errc)
	}
	go func() {
		s.err = wait()
		V("client:session %s exits: %v", s.ID, s.err)
		close(s.done)
	}()
	return s
}

func (s *Session) pump(r io.Reader, c chan<- []byte) {
	for {
		buf := make([]byte, ChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case c <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Done is closed when the remote command has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Exited reports whether the remote command has exited.
func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error once Exited is true, and nil before.
// A non-zero exit is an *ssh.ExitError.
func (s *Session) Err() error {
	if !s.Exited() {
		return nil
	}
	return s.err
}

// Interrupted reports whether Interrupt has been called.
func (s *Session) Interrupted() bool {
	select {
	case <-s.stdinDown:
		return true
	default:
		return false
	}
}

func available(exited bool, c <-chan []byte) string {
	if exited {
		return ""
	}
	select {
	case b := <-c:
		return string(b)
	default:
		return ""
	}
}

// ReadAvailable returns the next chunk of stdout, or "" if the command
// has exited or nothing is ready. It never waits.
func (s *Session) ReadAvailable() string {
	return available(s.Exited(), s.out)
}

// ReadAvailableStderr is ReadAvailable for stderr. With a pty most
// commands write everything to stdout.
func (s *Session) ReadAvailableStderr() string {
	return available(s.Exited(), s.errc)
}

// Interrupt sends ^C to the command and closes its stdin. Only the first
// call does anything. Errors from a session whose remote end is already
// gone are not reported.
func (s *Session) Interrupt() error {
	s.interrupt.Do(func() {
		defer close(s.stdinDown)
		V("client:interrupt session %s", s.ID)
		if _, err := s.Stdin.Write([]byte{ETX}); err != nil && !gone(err) {
			s.ierr = err
		}
		if err := s.Stdin.Close(); err != nil && !gone(err) && s.ierr == nil {
			s.ierr = err
		}
	})
	return s.ierr
}

// Close interrupts the command and then closes the ssh channel.
func (s *Session) Close() error {
	err := s.Interrupt()
	if s.closer != nil {
		if cerr := s.closer(); cerr != nil && !gone(cerr) && err == nil {
			err = cerr
		}
	}
	return err
}

func gone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
