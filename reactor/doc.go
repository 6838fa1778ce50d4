// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the level-triggered readiness waiter the kernel runtime suspends in.
package reactor
