// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package assets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	assert := require.New(t)

	rev, build := Revision, Build
	defer func() { Revision, Build = rev, build }()

	Revision, Build = "", ""
	assert.Equal("devel", Version())

	Revision = "v1.0.0"
	assert.Equal("v1.0.0", Version())

	Build = "user@host"
	assert.Equal("v1.0.0 (user@host)", Version())
}
