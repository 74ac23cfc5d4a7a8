// Parley - multi-agent room chat core
// License: MIT
//
// Copyright (c) 2026 Parley contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/parley/cmd/parley/internal"
	"github.com/tinyland-inc/parley/cmd/parley/internal/chat"
	"github.com/tinyland-inc/parley/cmd/parley/internal/gateway"
	"github.com/tinyland-inc/parley/cmd/parley/internal/version"
)

func NewParleyCommand() *cobra.Command {
	short := fmt.Sprintf("%s parley - multi-agent room chat v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "parley",
		Short:   short,
		Example: "parley gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		chat.NewChatCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewParleyCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
