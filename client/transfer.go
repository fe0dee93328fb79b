// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// File is a local file and the remote path it is copied to.
type File struct {
	Local  string
	Remote string
}

// TransferError is returned when a file could not be copied.
type TransferError struct {
	File File
	Err  error
}

func (e *TransferError) Error() string {
	if len(e.File.Local) == 0 {
		return fmt.Sprintf("transfer: %v", e.Err)
	}
	return fmt.Sprintf("transfer %s -> %s: %v", e.File.Local, e.File.Remote, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Push copies files to the robot over the existing connection, in order.
// It stops at the first failure. Files copied before the failure stay
// where they are: a batch is not a transaction.
func (c *Conn) Push(files []File) error {
	if len(files) == 0 {
		return nil
	}
	cl, err := c.sshClient()
	if err != nil {
		return &TransferError{Err: err}
	}
	sc, err := sftp.NewClient(cl)
	if err != nil {
		return &TransferError{Err: fmt.Errorf("sftp: open subsystem: %w", err)}
	}
	defer sc.Close()
	for _, f := range files {
		if err := push(sc, f); err != nil {
			return &TransferError{File: f, Err: err}
		}
		V("client:pushed %s -> %s", f.Local, f.Remote)
	}
	return nil
}

func push(sc *sftp.Client, f File) error {
	lf, err := os.Open(f.Local)
	if err != nil {
		return err
	}
	defer lf.Close()
	fi, err := lf.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", f.Local)
	}
	rf, err := sc.Create(f.Remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(rf, lf); err != nil {
		rf.Close()
		return err
	}
	if err := rf.Close(); err != nil {
		return err
	}
	return sc.Chmod(f.Remote, fi.Mode().Perm())
}
