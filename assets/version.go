// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package assets holds build information embedded in firmware and tools.
package assets

import (
	"fmt"
)

//go:generate go run embed_version.go

// Revision represents the firmware version
var Revision string

// Build represents the build host and date
var Build string

// Version returns the printable firmware version.
func Version() string {
	rev := Revision

	if len(rev) == 0 {
		rev = "devel"
	}

	if len(Build) == 0 {
		return rev
	}

	return fmt.Sprintf("%s (%s)", rev, Build)
}
