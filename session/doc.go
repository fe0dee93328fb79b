// Copyright 2018-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session keeps track of the long-running commands started on
// the robot.
//
// Each command is filed under a Key: Operation for the settings install,
// Sensor and Dynamixel for the single-subsystem launches. A Registry
// holds at most one session per key. Register refuses an occupied key
// unless the command there has already exited; to restart a subsystem,
// remove (disconnect) it first.
//
// The registry does not signal or close anything itself. Removing a
// session only hands it back to the caller, who is responsible for
// stopping the remote command.
package session
