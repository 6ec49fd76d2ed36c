// cmd/nugettrust/commands/version.go
package commands

import (
	"github.com/spf13/cobra"

	"github.com/willibrandon/nugettrust/cmd/nugettrust/cli"
	"github.com/willibrandon/nugettrust/cmd/nugettrust/output"
	"github.com/willibrandon/nugettrust/packaging/signatures"
)

// NewVersionCommand creates the version command
func NewVersionCommand(console *output.Console) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long:  `Display version, commit, build date and the signing capabilities of this build.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			console.Println(cli.GetFullVersion())
			caps := signatures.DetectCapabilities()
			console.Detail("CMS signing: %t", caps.CMSSigning)
			console.Detail("Timestamping: %t", caps.Timestamping)
			console.Detail("Hash algorithms: %v", caps.HashAlgorithms)
			return nil
		},
	}
}
