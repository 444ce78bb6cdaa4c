package node

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/node"
)

// Command creates the command that runs one floor controller.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a floor controller",
		Long:  "Scan slots, drive the barriers or ramp beams and report to the central.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.Node.Floor == 0 {
				settings.Node.Role = conf.RoleGround
			} else {
				settings.Node.Role = conf.RoleFloor
			}
			return node.RunNode(cmd.Context(), settings)
		},
	}

	cmd.Flags().IntVar(&settings.Node.Floor, "floor", viper.GetInt("node.floor"), "Floor served by this controller (0 is ground)")
	cmd.Flags().BoolVar(&settings.GPIO.Simulate, "simulate-gpio", viper.GetBool("gpio.simulate"), "Use simulated pins instead of sysfs")
	cmd.Flags().StringVar(&settings.FieldBus.Port, "port", viper.GetString("fieldbus.port"), "Field bus serial device")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
	}
	return cmd
}
