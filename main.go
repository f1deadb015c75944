// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/assets"
	"github.com/f-secure-foundry/armory-sdbridge/internal/config"
)

func main() {
	conf := config.Default(config.Mode(Mode))
	conf.Debug = Debug == "1"

	b, err := configure(conf)

	if err != nil {
		logrus.Fatal(err)
	}

	b.Version = assets.Version()

	logrus.WithFields(logrus.Fields{
		"mode":   conf.Mode,
		"vid":    conf.VendorID,
		"pid":    conf.ProductID,
		"serial": conf.Serial,
	}).Info("USB function configured")

	b.Run(context.Background())
}
