// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// sdbridge-sim runs the bridge firmware images against simulated USB host
// and SD card models.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/f-secure-foundry/armory-sdbridge/assets"
)

const appName = "sdbridge-sim"

func init() {
	if debug := os.Getenv("DEBUG_LOGGING"); debug == "true" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = assets.Version()
	app.Usage = "SD card bridge firmware simulator"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"DEBUG_LOGGING"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
		},
	}

	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return nil
	}

	app.Commands = []*cli.Command{
		mkimageCommand(),
		identifyCommand(),
		mscCommand(),
		cdcCommand(),
		configCommand(),
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
