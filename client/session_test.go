// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

// pipeSession is a Session over in-memory pipes. exit makes the fake
// remote command return.
type pipeSession struct {
	*Session
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	exit    chan error
}

func newPipeSession() *pipeSession {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	exit := make(chan error, 1)
	s := newSession("test", "cmd", inW, outR, nil, func() error { return <-exit }, nil)
	return &pipeSession{Session: s, stdinR: inR, stdoutW: outW, exit: exit}
}

func TestReadAvailableNoData(t *testing.T) {
	p := newPipeSession()
	defer func() { p.exit <- nil }()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if got := p.ReadAvailable(); got != "" {
			t.Fatalf("ReadAvailable: got %q, want \"\"", got)
		}
	}
	if d := time.Since(start); d > 10*time.Millisecond {
		t.Errorf("100 ReadAvailable calls took %v, want < 10ms", d)
	}
}

func TestReadAvailableChunks(t *testing.T) {
	p := newPipeSession()
	defer func() { p.exit <- nil }()

	big := bytes.Repeat([]byte("x"), ChunkSize+100)
	go p.stdoutW.Write(big) //nolint

	var got strings.Builder
	var biggest int
	deadline := time.Now().Add(5 * time.Second)
	for got.Len() < len(big) && time.Now().Before(deadline) {
		s := p.ReadAvailable()
		if len(s) > biggest {
			biggest = len(s)
		}
		got.WriteString(s)
	}
	if got.String() != string(big) {
		t.Fatalf("read %d bytes, want %d", got.Len(), len(big))
	}
	if biggest > ChunkSize {
		t.Errorf("largest chunk %d bytes, want <= %d", biggest, ChunkSize)
	}
}

func TestReadAvailableAfterExit(t *testing.T) {
	p := newPipeSession()
	go p.stdoutW.Write([]byte("late")) //nolint
	p.exit <- nil
	<-p.Done()
	if !p.Exited() {
		t.Fatalf("Exited: got false after Done")
	}
	if got := p.ReadAvailable(); got != "" {
		t.Errorf("ReadAvailable after exit: got %q, want \"\"", got)
	}
	if got := p.ReadAvailableStderr(); got != "" {
		t.Errorf("ReadAvailableStderr with no stderr: got %q, want \"\"", got)
	}
}

func TestInterruptSendsETX(t *testing.T) {
	p := newPipeSession()
	defer func() { p.exit <- nil }()
	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(p.stdinR)
		got <- b
	}()
	if err := p.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v != nil", err)
	}
	if err := p.Interrupt(); err != nil {
		t.Fatalf("second Interrupt: %v != nil", err)
	}
	select {
	case b := <-got:
		if !bytes.Equal(b, []byte{ETX}) {
			t.Errorf("stdin got %q, want %q", b, []byte{ETX})
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stdin was not closed")
	}
}

func TestInterruptAfterRemoteGone(t *testing.T) {
	p := newPipeSession()
	p.stdinR.Close()
	p.exit <- nil
	if err := p.Close(); err != nil {
		t.Errorf("Close on a finished session: %v != nil", err)
	}
}
