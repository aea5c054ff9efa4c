package cmd

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List online drivers, optionally ranked from a point",
	RunE:  runDrivers,
}

var driversGetCmd = &cobra.Command{
	Use:   "get <driver-id>",
	Short: "Show one driver",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodGet, "/api/drivers/"+url.PathEscape(args[0]), nil)
	},
}

func init() {
	f := driversCmd.Flags()
	f.String("busy", "", "filter on busy state (true or false)")
	f.Float64("lat", 0, "origin latitude")
	f.Float64("lng", 0, "origin longitude")
	driversCmd.AddCommand(driversGetCmd)
	rootCmd.AddCommand(driversCmd)
}

func runDrivers(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if busy, _ := cmd.Flags().GetString("busy"); busy != "" {
		q.Set("busy", busy)
	}
	if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
		q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	}
	path := "/api/drivers/online"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return call(cmd.OutOrStdout(), http.MethodGet, path, nil)
}
