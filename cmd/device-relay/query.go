package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SallyKAN/device-relay/internal/types"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newClient(cmd).Metrics(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Devices:      %d total (%d active)\n", m.TotalDevices, m.ActiveDevices)
			fmt.Fprintf(out, "Discovery:    %d/%d successful\n", m.SuccessfulDiscoveries, m.DiscoveryRequests)
			fmt.Fprintf(out, "Negotiations: %d/%d successful\n", m.SuccessfulNegotiations, m.CapabilityNegotiations)
			fmt.Fprintf(out, "Handoffs:     %d/%d successful (avg %.0fms)\n", m.SuccessfulHandoffs, m.HandoffRequests, m.AverageHandoffTime)
			fmt.Fprintf(out, "Routing:      %d routed, %d failed (avg %.1fms)\n", m.RoutedMessages, m.FailedRoutes, m.AverageLatency)
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <user-id>",
		Short: "List a user's devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := newClient(cmd).Topology(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(topo.Devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices registered.")
				return nil
			}
			printDevicesTable(cmd.OutOrStdout(), topo)
			return nil
		},
	}
}

func newTopologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology <user-id>",
		Short: "Print a user's topology as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := newClient(cmd).Topology(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), topo)
		},
	}
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <from-device> <payload>",
		Short: "Route a message from a device",
		Long:  "Route a JSON payload from a registered device. A payload that is not valid JSON is sent as a string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			strategy, _ := cmd.Flags().GetString("strategy")
			ack, _ := cmd.Flags().GetBool("ack")
			fallback, _ := cmd.Flags().GetBool("fallback-any")
			retries, _ := cmd.Flags().GetInt("retries")

			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				quoted, _ := json.Marshal(args[1])
				payload = quoted
			}
			msg := &types.RelayMessage{
				Type:         types.MessageApplication,
				FromDeviceID: args[0],
				ToDeviceID:   to,
				Payload:      payload,
				Priority:     types.PriorityNormal,
				Timestamp:    time.Now(),
				Routing:      types.RoutingInfo{Strategy: types.RoutingStrategy(strategy)},
				Delivery: types.DeliveryOptions{
					RequireAck:    ack,
					Timeout:       10 * time.Second,
					RetryCount:    retries,
					RetryDelay:    time.Second,
					FallbackToAny: fallback,
				},
			}
			res, err := newClient(cmd).Route(cmd.Context(), msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message %s delivered to %s via %s in %s\n",
				res.MessageID, res.DeliveredTo, strings.Join(res.Path, " -> "), res.Latency)
			return nil
		},
	}
	cmd.Flags().String("to", "", "target device (default: chosen by the strategy)")
	cmd.Flags().String("strategy", string(types.RouteDirect), "direct, shortest_path, best_performance, load_balanced or redundant")
	cmd.Flags().Bool("ack", false, "wait for the device to acknowledge")
	cmd.Flags().Bool("fallback-any", false, "deliver to any reachable device if the path fails")
	cmd.Flags().Int("retries", 2, "delivery retries for transient failures")
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover <user-id>",
		Short: "Discover a user's candidate devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			mode, _ := cmd.Flags().GetString("mode")
			kind, _ := cmd.Flags().GetString("type")
			caps, _ := cmd.Flags().GetStringSlice("capability")

			req := types.DiscoveryRequest{
				UserID:             args[0],
				RequestingDeviceID: from,
				DiscoveryType:      types.DiscoveryType(mode),
			}
			if kind != "" {
				req.Filters = append(req.Filters, types.DeviceFilter{
					Type: types.FilterDeviceType, Operator: types.OpEquals, Value: types.StringValue(kind),
				})
			}
			if len(caps) > 0 {
				req.Filters = append(req.Filters, types.DeviceFilter{
					Type: types.FilterCapability, Operator: types.OpContains, Value: types.ListValue(caps...),
				})
			}

			res, err := newClient(cmd).Discover(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.DiscoveredDevices) == 0 {
				fmt.Fprintln(out, "No devices found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPLATFORM\tSCORE\tAVAILABILITY")
			for _, d := range res.DiscoveredDevices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n", d.Info.ID, d.Info.Type, d.Info.Platform, d.MatchScore, d.Availability)
			}
			w.Flush()
			if res.Cached {
				fmt.Fprintln(out, "(cached)")
			}
			return nil
		},
	}
	cmd.Flags().String("from", "", "requesting device, excluded from results")
	cmd.Flags().String("mode", string(types.DiscoveryFullScan), "full_scan, capability_match, proximity_based or performance_based")
	cmd.Flags().String("type", "", "only devices of this type")
	cmd.Flags().StringSlice("capability", nil, "required capabilities (fileSync, voiceCommands, videoStreaming, notifications)")
	return cmd
}

func newNegotiateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "negotiate <source-device> <target-device>",
		Short: "Negotiate capabilities between two devices",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := types.CapabilityNegotiation{SourceDeviceID: args[0], TargetDeviceID: args[1]}
			n.Context.RequiresFileSync, _ = cmd.Flags().GetBool("file-sync")
			n.Context.RequiresRealTimeComm, _ = cmd.Flags().GetBool("realtime")
			n.Context.RequiresVideoStreaming, _ = cmd.Flags().GetBool("video")
			n.Context.RequiresVoiceCommands, _ = cmd.Flags().GetBool("voice")

			res, err := newClient(cmd).Negotiate(cmd.Context(), n)
			if res == nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Negotiation %s: %s (overall %.2f)\n", res.NegotiationID, res.Status, res.Score.Overall)
			for _, m := range res.Matches {
				fmt.Fprintf(out, "  %-16s compatible=%t\n", m.Capability, m.Compatible)
			}
			for _, r := range res.Recommendations {
				fmt.Fprintf(out, "  - %s\n", r)
			}
			return err
		},
	}
	cmd.Flags().Bool("file-sync", false, "require file sync")
	cmd.Flags().Bool("realtime", false, "require real-time communication")
	cmd.Flags().Bool("video", false, "require video streaming")
	cmd.Flags().Bool("voice", false, "require voice commands")
	return cmd
}

func newHandoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff <from-device> <to-device>",
		Short: "Move work from one device to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("type")
			session, _ := cmd.Flags().GetString("session")
			conversation, _ := cmd.Flags().GetString("conversation")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			req := types.HandoffRequest{
				FromDeviceID: args[0],
				ToDeviceID:   args[1],
				HandoffType:  types.HandoffType(kind),
				Timeout:      timeout,
				Context: types.HandoffContext{
					SessionID:      session,
					ConversationID: conversation,
				},
			}
			req.Context.Metadata.PreserveState, _ = cmd.Flags().GetBool("preserve-state")
			req.Context.Metadata.TransferFiles, _ = cmd.Flags().GetBool("transfer-files")
			req.Context.Metadata.NotifyUser, _ = cmd.Flags().GetBool("notify")

			res, err := newClient(cmd).Handoff(cmd.Context(), req)
			if res == nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Handoff %s: %s in %s\n", res.RequestID, res.Status, res.HandoffTime)
			if len(res.TransferredParts) > 0 {
				parts := make([]string, len(res.TransferredParts))
				for i, p := range res.TransferredParts {
					parts[i] = string(p)
				}
				fmt.Fprintf(out, "Transferred: %s\n", strings.Join(parts, ", "))
			}
			if res.Error != nil {
				fmt.Fprintf(out, "Failed at %s: %s\n", res.Error.Stage, res.Error.Message)
			}
			return err
		},
	}
	cmd.Flags().String("type", string(types.HandoffManual), "manual, automatic, failover, load_balance or capability_based")
	cmd.Flags().String("session", "", "session to move")
	cmd.Flags().String("conversation", "", "conversation to move")
	cmd.Flags().Bool("preserve-state", false, "transfer session state")
	cmd.Flags().Bool("transfer-files", false, "transfer files")
	cmd.Flags().Bool("notify", false, "notify the user on the target device")
	cmd.Flags().Duration("timeout", 0, "handoff timeout (default: handoff.timeout)")
	return cmd
}

func printDevicesTable(out io.Writer, topo *types.DeviceTopology) {
	ids := make([]string, 0, len(topo.Devices))
	for id := range topo.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPLATFORM\tROLE\tPRIORITY\tQUALITY\tREACHABLE")
	for _, id := range ids {
		n := topo.Devices[id]
		reachable := "no"
		if n.IsReachable {
			reachable = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			id, n.Info.Type, n.Info.Platform, n.Role, n.Priority, n.PrimaryConnection().Quality, reachable)
	}
	w.Flush()
	fmt.Fprintf(out, "\nPrimary: %s (topology version %d)\n", topo.PrimaryDevice, topo.Version)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

