// cmd/ztsetup/main.go

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sys/windows"

	"github.com/windowsadmins/ztsetup/pkg/config"
	"github.com/windowsadmins/ztsetup/pkg/join"
	"github.com/windowsadmins/ztsetup/pkg/logging"
	"github.com/windowsadmins/ztsetup/pkg/prompt"
	"github.com/windowsadmins/ztsetup/pkg/provision"
	"github.com/windowsadmins/ztsetup/pkg/version"
)

// enableANSIConsole enables ANSI colors in the console.
func enableANSIConsole() {
	for _, stream := range []*os.File{os.Stdout, os.Stderr} {
		handle := windows.Handle(stream.Fd())
		var mode uint32
		if err := windows.GetConsoleMode(handle, &mode); err == nil {
			mode |= windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING
			_ = windows.SetConsoleMode(handle, mode)
		}
	}
}

func main() {
	enableANSIConsole()

	showConfig := pflag.Bool("show-config", false, "Display the effective configuration and exit.")
	versionFlag := pflag.Bool("version", false, "Print the version and exit.")
	configPath := pflag.String("config", "", "Path to an alternate configuration file.")
	networkID := pflag.String("network", "", "Join this network ID without prompting (unattended mode).")
	attempts := pflag.Int("attempts", 0, "Join attempts in unattended mode (overrides configuration).")
	assumeYes := pflag.Bool("yes", false, "Assume yes on confirmation prompts.")
	pflag.Parse()

	if *versionFlag {
		version.Print()
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *attempts > 0 {
		cfg.UnattendedAttempts = *attempts
	}

	if *showConfig {
		dump, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(dump)
		return
	}

	if err := logging.Init(cfg.LogLevel, cfg.LogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.CloseLogger()

	unattended := *networkID != ""
	if unattended {
		if _, ok := join.ValidateNetworkID(*networkID); !ok {
			fmt.Fprintf(os.Stderr, "Invalid --network value %q: expected exactly 16 hexadecimal characters.\n", *networkID)
			os.Exit(1)
		}
	}

	p := prompt.New()
	p.AssumeYes = *assumeYes

	orchestrator := provision.New(cfg, p)
	orchestrator.Unattended = unattended
	orchestrator.NetworkID = *networkID

	logging.Info("Starting provisioning run", "unattended", unattended)
	os.Exit(orchestrator.Run(context.Background()))
}
