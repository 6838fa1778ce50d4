// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport groups the dpoll runtimes that are not backed by raw kernel
// sockets. See the proactor subpackage.
package transport
