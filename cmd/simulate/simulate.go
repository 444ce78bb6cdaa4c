package simulate

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/simulate"
)

// Command creates the command that runs a whole simulated facility.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Run the central and every floor on simulated hardware",
		Long:  "Bench mode: drive vehicles with arrive, park, leave, depart and ramp on the operator console.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := simulate.New(settings)
			if err != nil {
				return err
			}
			defer f.Close()
			return f.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
