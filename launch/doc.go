// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package launch builds the shell commands run on the robot.
//
// Everything here is a pure function of its inputs (and, for Settings,
// the time passed in), so the commands can be checked without a robot.
//
// Settings lays out a dated directory under ~/cps_settings, points
// ~/cps_settings/latest_settings at it, and writes run_robot.sh there.
// run_robot.sh is generated on the robot rather than copied, so the
// directory and the script are created by the same invocation. The
// configuration files listed in Settings.Uploads are copied afterwards.
//
// SensorCommand and DynamixelCommand start a single subsystem from files
// that were copied to fixed paths in /tmp.
package launch
