// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client owns the ssh connection to the robot.
//
// Dial logs in with a password and returns a Conn. A Conn carries any
// number of Sessions, each one a command started with Exec under its own
// pty, and copies files with Push over sftp on the same transport.
//
// Host keys are trusted on first use. If a known_hosts file is given
// (WithKnownHosts), new hosts are appended to it and a changed key is an
// error; without one, keys are remembered in memory.
//
// As with the cpu command, the host name and port may come from
// ~/.ssh/config, so a robot can be named by its ssh alias.
//
// Sessions never block their readers: ReadAvailable returns whatever one
// chunk of output is ready, or nothing.
package client
