// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package controller is the remote control for one CPS robot.
//
// A Controller holds the ssh connection to the robot and the long
// running commands started over it, one per session key: the settings
// install (operation), the sensor node and the dynamixel controllers.
// Each key is either absent or active. Connecting an active key fails
// with session.ErrActive; disconnecting an absent key does nothing.
//
// The full robot stack is not run over ssh. SendSettings writes
// run_robot.sh on the robot, and StartRobot and StopRobot ask the
// robot's supervisord to run it.
//
// A Controller must be closed. Close stops what the controller started
// and is safe to call more than once.
package controller
