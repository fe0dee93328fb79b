// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package supervisor drives the supervisord on the robot over XML-RPC.
//
// Only the calls needed to manage one program are implemented:
// getProcessInfo, startProcess and stopProcess. Start and stop always ask
// supervisord to wait for the program to reach its new state.
package supervisor
