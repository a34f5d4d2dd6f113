package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect the task catalog",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks the catalogs define",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a task's definition and prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	names := rt.tasks.Names()
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks defined. Add directories with task.toml under .stepd/tasks/.")
		return nil
	}
	for _, name := range names {
		spec := rt.tasks.Get(name)
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", name, spec.Description)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	spec := rt.tasks.Get(args[0])
	if spec == nil {
		return unknownNameError("task", args[0], rt.tasks.Names())
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:        %s\n", spec.Name)
	fmt.Fprintf(out, "Description: %s\n", spec.Description)
	if spec.Model != "" {
		fmt.Fprintf(out, "Model:       %s\n", spec.Model)
	}
	if spec.Tools != nil {
		fmt.Fprintf(out, "Tools:       %s\n", strings.Join(spec.Tools, ", "))
	}
	fmt.Fprintf(out, "Source:      %s\n", spec.Source)
	if spec.PromptTemplate != "" {
		fmt.Fprintf(out, "\n%s\n", spec.PromptTemplate)
	}
	return nil
}
