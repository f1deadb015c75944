// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/assets"
)

// initialized at compile time (-ldflags "-X main.Mode=cdc")
var Mode string
var Debug string

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})

	if Debug == "1" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	logrus.WithField("version", assets.Version()).Info("armory-sdbridge")
}
