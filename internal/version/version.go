// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package version contains build metadata for wadup2.
package version

import "runtime"

// Version is the canonical semantic version, set at release time.
var Version = "0.9.0-dev"

// Vcs is the commit the binary was built from. Set via ldflags.
var Vcs = ""

// Timestamp is the build timestamp. Set via ldflags.
var Timestamp = ""

// GoVersion is the toolchain the binary was built with.
var GoVersion = runtime.Version()
