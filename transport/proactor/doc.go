// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package proactor implements api.Runtime with one goroutine per in-flight
// operation over a pluggable Network: the host TCP stack through package net,
// or a userspace gVisor stack through wireguard's tun/netstack.
//
// Operations already running cannot be cancelled, so Cancel reports false for
// them and the engine discards their completions when they arrive.
package proactor
