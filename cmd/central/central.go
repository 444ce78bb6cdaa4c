package central

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/parkctl/internal/central"
	"github.com/tphakala/parkctl/internal/conf"
)

// Command creates the command that runs the central ledger.
func Command(settings *conf.Settings) *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "central",
		Short: "Run the central ledger",
		Long:  "Accept node snapshots, keep the vehicle ledger and serve the operator console.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings.Node.Role = conf.RoleCentral
			return central.RunCentral(cmd.Context(), settings, !headless)
		},
	}

	cmd.Flags().StringVar(&settings.Sync.Listen, "sync-listen", viper.GetString("sync.listen"), "Address nodes connect to")
	cmd.Flags().StringVar(&settings.Journal.Path, "journal", viper.GetString("journal.path"), "SQLite journal file")
	cmd.Flags().BoolVar(&headless, "headless", false, "Do not read operator commands from stdin")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
	}
	return cmd
}
