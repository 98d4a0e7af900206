// Copyright 2025 The NimbusFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// A small helper for using nimbusfs with mount(8).
//
// Can be invoked using a command-line of the form expected for mount
// helpers. Calls the nimbusfs binary, which must be in $PATH, and
// waits for it to complete. Known mount options are converted to the
// corresponding flags; everything else is forwarded with -o.
//
// This binary does not daemonize, and therefore must be used with a
// wrapper that performs daemonization if it is to be used directly
// with mount(8).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

var fOptions optionSlice

func init() {
	flag.Var(&fOptions, "o", "Mount options. May be repeated.")
}

// A 'name=value' mount option. If '=value' is not present, only the
// name is filled in.
type option struct {
	Name  string
	Value string
}

// A slice of options that parses command-line flags into the slice,
// implementing flag.Value. There is no way to escape a comma in an
// fstab options list, so none is supported here either.
type optionSlice []option

func (os *optionSlice) String() string {
	return fmt.Sprint(*os)
}

func (os *optionSlice) Set(s string) error {
	for _, p := range strings.Split(s, ",") {
		var opt option
		if i := strings.IndexByte(p, '='); i != -1 {
			opt.Name = p[:i]
			opt.Value = p[i+1:]
		} else {
			opt.Name = p
		}
		*os = append(*os, opt)
	}
	return nil
}

func parseArgs(args []string) (device, mountPoint string, err error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("expected two positional arguments, got %d", len(args))
	}
	return args[0], args[1], nil
}

// makeArgs converts mount-style options into nimbusfs arguments,
// skipping detritus mount(8) passes that the daemon has no use for.
// The device is unused: the daemon reads the remote root from its
// settings store.
func makeArgs(mountPoint string, opts []option) []string {
	args := []string{}
	for _, opt := range opts {
		switch opt.Name {
		case "rw", "user", "nouser", "auto", "noauto", "_netdev", "no_netdev":
			// Handled by mount(8) itself.
			continue
		case "data_dir":
			args = append(args, "--data-dir="+opt.Value)
		case "cache_dir":
			args = append(args, "--cache-dir="+opt.Value)
		case "config_file":
			args = append(args, "--config-file="+opt.Value)
		default:
			value := opt.Name
			if opt.Value != "" {
				value += "=" + opt.Value
			}
			args = append(args, "-o", value)
		}
	}
	args = append(args, "--foreground", mountPoint)
	return args
}

func main() {
	flag.Parse()

	_, mountPoint, err := parseArgs(flag.Args())
	if err != nil {
		log.Fatalf("parsing args: %v", err)
	}

	args := makeArgs(mountPoint, fOptions)
	cmd := exec.Command("nimbusfs", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		log.Fatalf("running nimbusfs: %v", err)
	}
}
