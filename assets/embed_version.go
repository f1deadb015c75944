// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux && ignore
// +build linux,ignore

package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)
}

func revision() string {
	if rev := os.Getenv("REV"); len(rev) > 0 {
		return rev
	}

	out, err := exec.Command("git", "describe", "--tags", "--always", "--dirty").Output()

	if err != nil {
		log.Fatalf("could not detect revision, set REV (%v)", err)
	}

	return strings.TrimSpace(string(out))
}

func main() {
	host, _ := os.Hostname()
	build := fmt.Sprintf("%s@%s on %s", os.Getenv("USER"), host, time.Now().UTC().Format(time.RFC3339))

	out, err := os.Create("tmp-version.go")

	if err != nil {
		log.Fatal(err)
	}

	defer out.Close()

	out.WriteString(`
package assets

func init() {
`)
	out.WriteString(fmt.Sprintf("\tRevision = %s\n", strconv.Quote(revision())))
	out.WriteString(fmt.Sprintf("\tBuild = %s\n", strconv.Quote(build)))

	out.WriteString(`
}
`)
}
