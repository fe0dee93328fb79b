// Copyright 2022-2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Decentralized Services (aka ds)
// Inspired by http://man.cat-v.org/inferno/8/cs
//
// This package finds robots with DNS-SD, so that robot_ip_addr can be a
// dnssd: URI instead of a fixed address. The TXT record of the advertised
// service can be used to pick the right robot, e.g.
// dnssd:/_ssh._tcp?robot=cps1.
//

package ds
