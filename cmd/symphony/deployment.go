package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ttheew/symphony/pkg/api"
	"github.com/ttheew/symphony/pkg/client"
	"github.com/ttheew/symphony/pkg/types"
)

var apiAddr string

var deploymentCmd = &cobra.Command{
	Use:     "deployment",
	Aliases: []string{"deploy", "d"},
	Short:   "Manage deployments",
}

var nodeListCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := client.NewClient(apiAddr).ListNodes()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tSTATE\tGROUPS\tCAPACITY\tRESERVED")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				n.NodeID, n.State, strings.Join(n.Groups, ","),
				formatCapacity(n.CapacitiesTotal), formatCapacity(n.CapacityReserved))
		}
		return w.Flush()
	},
}

var (
	createNodeGroup string
	createCapacity  []string
	createEnv       []string
	createStopped   bool
	createRestart   string
)

var deploymentCreateCmd = &cobra.Command{
	Use:   "create <name> -- <command> [args...]",
	Short: "Create a deployment",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		requests, err := parseCapacity(createCapacity)
		if err != nil {
			return err
		}

		req := api.CreateDeploymentRequest{
			Name:             args[0],
			Kind:             types.KindExec,
			NodeGroup:        createNodeGroup,
			CapacityRequests: requests,
			DesiredState:     types.DesiredRunning,
			Specification: types.Specification{
				Command: args[1:],
				Env:     parseEnv(createEnv),
			},
		}
		if createStopped {
			req.DesiredState = types.DesiredStopped
		}
		if createRestart != "" {
			req.Specification.RestartPolicy = &types.RestartPolicy{Type: createRestart}
		}

		d, err := client.NewClient(apiAddr).CreateDeployment(req)
		if err != nil {
			return err
		}
		fmt.Printf("Created deployment %s (%s)\n", d.Name, d.ID)
		return nil
	},
}

var deploymentListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		deployments, err := client.NewClient(apiAddr).ListDeployments()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tGROUP\tDESIRED\tCURRENT\tNODE\tREV")
		for _, d := range deployments {
			node := d.AssignedNodeID
			if node == "" {
				node = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				d.ID, d.Name, d.NodeGroup, d.DesiredState, d.CurrentState, node, d.SpecRevision)
		}
		return w.Flush()
	},
}

var deploymentGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client.NewClient(apiAddr).GetDeployment(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:            %s\n", d.ID)
		fmt.Printf("Name:          %s\n", d.Name)
		fmt.Printf("Kind:          %s\n", d.Kind)
		fmt.Printf("Node group:    %s\n", d.NodeGroup)
		fmt.Printf("Desired state: %s\n", d.DesiredState)
		fmt.Printf("Current state: %s\n", d.CurrentState)
		if d.AssignedNodeID != "" {
			fmt.Printf("Assigned node: %s\n", d.AssignedNodeID)
		}
		if d.AssignmentReason != "" {
			fmt.Printf("Reason:        %s\n", d.AssignmentReason)
		}
		if len(d.CapacityRequests) > 0 {
			fmt.Printf("Capacity:      %s\n", formatCapacity(d.CapacityRequests))
		}
		fmt.Printf("Command:       %s\n", strings.Join(d.Specification.Command, " "))
		fmt.Printf("Revision:      %d\n", d.SpecRevision)
		fmt.Printf("Created:       %s\n", time.UnixMilli(d.CreatedAtMs).Format(time.RFC3339))
		return nil
	},
}

var deploymentStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Set a deployment's desired state to RUNNING",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client.NewClient(apiAddr).SetDesiredState(args[0], types.DesiredRunning)
		if err != nil {
			return err
		}
		fmt.Printf("Deployment %s desired state is now %s\n", d.Name, d.DesiredState)
		return nil
	},
}

var deploymentStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Set a deployment's desired state to STOPPED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := client.NewClient(apiAddr).SetDesiredState(args[0], types.DesiredStopped)
		if err != nil {
			return err
		}
		fmt.Printf("Deployment %s desired state is now %s\n", d.Name, d.DesiredState)
		return nil
	},
}

var deploymentDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a deployment",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.NewClient(apiAddr).DeleteDeployment(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deployment %s is being removed\n", args[0])
		return nil
	},
}

var logsTail int

var deploymentLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Stream a deployment's logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return client.NewClient(apiAddr).StreamLogs(ctx, args[0], logsTail, func(e types.LogEntry) {
			ts := time.UnixMilli(e.TimestampUnixMs).Format(time.RFC3339)
			fmt.Printf("%s [%s] %s\n", ts, e.Stream, e.Line)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{deploymentCmd, nodeListCmd} {
		cmd.PersistentFlags().StringVar(&apiAddr, "api", "localhost:8080", "conductor API address")
	}

	deploymentCreateCmd.Flags().StringVarP(&createNodeGroup, "group", "g", "default", "node group to place onto")
	deploymentCreateCmd.Flags().StringSliceVar(&createCapacity, "capacity", nil, "capacity requests as label=amount")
	deploymentCreateCmd.Flags().StringSliceVarP(&createEnv, "env", "e", nil, "environment variables as KEY=VALUE")
	deploymentCreateCmd.Flags().BoolVar(&createStopped, "stopped", false, "create without starting")
	deploymentCreateCmd.Flags().StringVar(&createRestart, "restart", "", `restart policy ("never" or "on-failure")`)
	deploymentLogsCmd.Flags().IntVar(&logsTail, "tail", 100, "number of recent lines to backfill")

	deploymentCmd.AddCommand(deploymentCreateCmd)
	deploymentCmd.AddCommand(deploymentListCmd)
	deploymentCmd.AddCommand(deploymentGetCmd)
	deploymentCmd.AddCommand(deploymentStartCmd)
	deploymentCmd.AddCommand(deploymentStopCmd)
	deploymentCmd.AddCommand(deploymentDeleteCmd)
	deploymentCmd.AddCommand(deploymentLogsCmd)

	rootCmd.AddCommand(deploymentCmd)
	rootCmd.AddCommand(nodeListCmd)
}

func parseCapacity(pairs []string) (types.CapacityVector, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(types.CapacityVector, len(pairs))
	for _, pair := range pairs {
		label, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid capacity %q, expected label=amount", pair)
		}
		amount, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid capacity amount %q: %w", value, err)
		}
		out[label] = amount
	}
	return out, nil
}

func parseEnv(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		out[key] = value
	}
	return out
}

func formatCapacity(v types.CapacityVector) string {
	if len(v) == 0 {
		return "-"
	}
	labels := make([]string, 0, len(v))
	for label := range v {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%s=%d", label, v[label]))
	}
	return strings.Join(parts, ",")
}
