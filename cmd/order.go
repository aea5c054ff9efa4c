package cmd

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/kilianp07/lastmile/core/model"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Create and manage orders",
}

var orderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an order and start looking for a driver",
	RunE:  runOrderCreate,
}

var orderDispatchCmd = &cobra.Command{
	Use:   "dispatch <order-id>",
	Short: "Dispatch an order, fetching it from the ledger when unknown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodPost, orderPath(args[0], "dispatch"), nil)
	},
}

var orderGetCmd = &cobra.Command{
	Use:   "get <order-id>",
	Short: "Show an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodGet, orderPath(args[0], ""), nil)
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return call(cmd.OutOrStdout(), http.MethodPost, orderPath(args[0], "cancel"), map[string]string{"reason": reason})
	},
}

var orderCompleteCmd = &cobra.Command{
	Use:   "complete <order-id>",
	Short: "Mark an order delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodPost, orderPath(args[0], "complete"), nil)
	},
}

func init() {
	f := orderCreateCmd.Flags()
	f.String("id", "", "order id (generated when empty)")
	f.String("customer", "", "customer id")
	f.String("store", "", "store id")
	f.Float64("lat", 0, "pickup latitude")
	f.Float64("lng", 0, "pickup longitude")
	f.Bool("no-dispatch", false, "only store the order")
	_ = orderCreateCmd.MarkFlagRequired("customer")
	orderCancelCmd.Flags().String("reason", "", "cancellation reason")

	orderCmd.AddCommand(orderCreateCmd, orderDispatchCmd, orderGetCmd, orderCancelCmd, orderCompleteCmd)
	rootCmd.AddCommand(orderCmd)
}

func runOrderCreate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	in := model.NewOrder{}
	in.ID, _ = f.GetString("id")
	in.CustomerID, _ = f.GetString("customer")
	in.StoreID, _ = f.GetString("store")
	if f.Changed("lat") || f.Changed("lng") {
		lat, _ := f.GetFloat64("lat")
		lng, _ := f.GetFloat64("lng")
		in.Origin = &model.Coordinate{Lat: lat, Lng: lng}
	}
	path := "/api/orders"
	if noDispatch, _ := f.GetBool("no-dispatch"); noDispatch {
		path += "?dispatch=false"
	}
	return call(cmd.OutOrStdout(), http.MethodPost, path, in)
}

func orderPath(id, action string) string {
	p := "/api/orders/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}
