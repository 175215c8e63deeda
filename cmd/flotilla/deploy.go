package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/flotillahq/flotilla/pkg/client"
	"github.com/flotillahq/flotilla/pkg/types"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Submit and track deployment tasks",
}

var deploySubmitCmd = &cobra.Command{
	Use:   "submit KIND",
	Short: "Submit a deployment task",
	Long: `Submit a deployment task to the engine.

Kinds: install, full-setup, backup, migrate, network-scan.

Examples:
  flotilla deploy submit install --target 3 --service postgresql --wait
  flotilla deploy submit full-setup --target 3
  flotilla deploy submit backup --target 2 --set db_name=tenant42
  flotilla deploy submit migrate --target 5 --set placement=tenant42-worker
  flotilla deploy submit migrate --source 2 --target 5 --services postgresql,redis`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		source, _ := cmd.Flags().GetInt64("source")
		target, _ := cmd.Flags().GetInt64("target")
		services, _ := cmd.Flags().GetStringSlice("services")
		sets, _ := cmd.Flags().GetStringSlice("set")
		wait, _ := cmd.Flags().GetBool("wait")

		cfg, err := parseSets(sets)
		if err != nil {
			return err
		}

		var kinds []types.ServiceKind
		for _, s := range services {
			kinds = append(kinds, types.ServiceKind(s))
		}

		c := apiClient(cmd)
		task, err := c.SubmitTask(cmd.Context(), client.SubmitTaskRequest{
			Kind:         types.TaskKind(args[0]),
			Service:      types.ServiceKind(service),
			SourceHostID: source,
			TargetHostID: target,
			Services:     kinds,
			Config:       cfg,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Task %d submitted (%s)\n", task.ID, task.Kind)
		if !wait {
			return nil
		}
		return followTask(cmd, c, task.ID)
	},
}

var deployListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployment tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := apiClient(cmd).ListTasks(cmd.Context())
		if err != nil {
			return err
		}
		w, flush := table("ID\tKIND\tSERVICE\tTARGET\tSTATUS\tPROGRESS\tPHASE")
		defer flush()
		for _, t := range tasks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d%%\t%s\n",
				t.ID, t.Kind, orDash(string(t.Service)), t.TargetHostID, t.Status, t.Progress, orDash(t.CurrentPhase))
		}
		return nil
	},
}

var deployStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a task's status and log",
	RunE:  runDeployStatus,
	Args:  cobra.ExactArgs(1),
}

func runDeployStatus(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	showLog, _ := cmd.Flags().GetBool("log")
	task, err := apiClient(cmd).GetTask(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("Task %d: %s\n", task.ID, task.Kind)
	fmt.Printf("  Status:   %s\n", task.Status)
	fmt.Printf("  Progress: %d%%\n", task.Progress)
	if task.CurrentPhase != "" {
		fmt.Printf("  Phase:    %s\n", task.CurrentPhase)
	}
	if task.Error != "" {
		fmt.Printf("  Error:    %s\n", task.Error)
	}
	if showLog && task.Log != "" {
		fmt.Println()
		fmt.Println(task.Log)
	}
	return nil
}

var deployCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		task, err := apiClient(cmd).CancelTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Task %d is now %s\n", task.ID, task.Status)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan CIDR",
	Short: "Scan a network range for SSH-reachable hosts",
	Long: `Scan a network range for SSH-reachable hosts.

The scan runs as a deployment task; pass --user and --password to also
attempt authentication against discovered daemons.

Example:
  flotilla scan 10.0.0.0/24 --user root --password secret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		password, _ := cmd.Flags().GetString("password")
		wait, _ := cmd.Flags().GetBool("wait")

		c := apiClient(cmd)
		task, err := c.SubmitScan(cmd.Context(), args[0], user, password)
		if err != nil {
			return err
		}
		fmt.Printf("Scan task %d submitted for %s\n", task.ID, args[0])
		if !wait {
			return nil
		}
		return followTask(cmd, c, task.ID)
	},
}

// followTask polls until the task terminates, then prints its outcome.
func followTask(cmd *cobra.Command, c *client.Client, id int64) error {
	task, err := c.WaitTask(cmd.Context(), id, 2*time.Second)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusCompleted {
		if task.Log != "" {
			fmt.Println(task.Log)
		}
		return fmt.Errorf("task %d %s: %s", task.ID, task.Status, task.Error)
	}
	fmt.Printf("Task %d completed\n", task.ID)
	if task.Log != "" {
		fmt.Println(task.Log)
	}
	return nil
}

func parseSets(sets []string) (map[string]string, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	cfg := make(map[string]string, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", s)
		}
		cfg[k] = v
	}
	return cfg, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	deployCmd.AddCommand(deploySubmitCmd)
	deployCmd.AddCommand(deployListCmd)
	deployCmd.AddCommand(deployStatusCmd)
	deployCmd.AddCommand(deployCancelCmd)

	deploySubmitCmd.Flags().String("service", "", "Service kind for install tasks")
	deploySubmitCmd.Flags().Int64("source", 0, "Source host id (migrations)")
	deploySubmitCmd.Flags().Int64("target", 0, "Target host id")
	deploySubmitCmd.Flags().StringSlice("services", nil, "Service kinds to migrate off the source host")
	deploySubmitCmd.Flags().StringSlice("set", nil, "Task configuration key=value (repeatable)")
	deploySubmitCmd.Flags().Bool("wait", false, "Block until the task finishes")

	deployStatusCmd.Flags().Bool("log", false, "Print the task log")

	scanCmd.Flags().String("user", "", "SSH user to try against discovered hosts")
	scanCmd.Flags().String("password", "", "SSH password to try against discovered hosts")
	scanCmd.Flags().Bool("wait", false, "Block until the scan finishes and print results")
}
