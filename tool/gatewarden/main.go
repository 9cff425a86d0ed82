/*
Copyright 2024 Gatewarden Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command gatewarden runs the authorization service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden/lib/config"
	"github.com/gatewarden/gatewarden/lib/roles"
	"github.com/gatewarden/gatewarden/lib/service"
)

const version = "1.0.0"

func main() {
	app := kingpin.New("gatewarden", "Permission resolution and storage service.")
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	start := app.Command("start", "Start the service.")
	configPath := start.Flag("config", "Path to the YAML configuration file.").
		Short('c').Required().String()

	versionCmd := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(os.Args[1:])
	if err != nil {
		app.Usage(os.Args[1:])
		os.Exit(1)
	}

	switch command {
	case start.FullCommand():
		err = run(*configPath, *debug)
	case versionCmd.FullCommand():
		fmt.Println(version)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if debug {
		fc.Log.Level = "debug"
	}

	var rolesProvider roles.Provider
	if fc.Identity.RolesFile != "" {
		rolesProvider, err = roles.NewFileProvider(fc.Identity.RolesFile)
		if err != nil {
			return trace.Wrap(err)
		}
	} else {
		rolesProvider = roles.NewStaticProvider(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, service.Config{
		FileConfig:    fc,
		RolesProvider: rolesProvider,
		Sources:       service.FileSources(fc),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(svc.Run(ctx))
}
