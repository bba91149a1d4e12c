package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"air-quality-alerts/internal/app"
)

var (
	testAlertLocal    float64
	testAlertRegional float64
)

var testAlertCmd = &cobra.Command{
	Use:   "test-alert",
	Short: "Send a synthetic alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if testAlertLocal <= 0 && testAlertRegional <= 0 {
			return errors.New("at least one of --local or --regional must be greater than 0")
		}

		return getApp().TestAlert(cmd.Context(), app.TestAlertOptions{
			LocalAQI:    testAlertLocal,
			RegionalAQI: testAlertRegional,
		})
	},
}

func init() {
	testAlertCmd.Flags().Float64Var(&testAlertLocal, "local", 0, "Local mean AQI to report in the message")
	testAlertCmd.Flags().Float64Var(&testAlertRegional, "regional", 0, "Regional mean AQI to report in the message")
}
