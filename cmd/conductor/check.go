package main

import (
	"fmt"
	"io"
	"os"

	"github.com/aescanero/conductor/internal/application/orchestrator"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newCheckCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Sanity check an execution plan offline",
		Long: `Reads a YAML execution plan (an execution and its initial task info)
and runs the execution sanity check on it without contacting any service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			return runCheck(cmd.OutOrStdout(), data)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "plan file, - for stdin")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runCheck(out io.Writer, data []byte) error {
	plan, err := orchestrator.LoadPlan(data)
	if err != nil {
		return err
	}

	validator := orchestrator.NewValidator(domain.DefaultTaskTypes())
	if err := validator.CheckExecutionTasksSanity(plan.Execution, plan.InitialTaskInfo); err != nil {
		fmt.Fprintf(out, "execution %s: FAILED\n", plan.Execution.ID)
		return err
	}

	fmt.Fprintf(out, "execution %s: OK (%d tasks)\n", plan.Execution.ID, len(plan.Execution.Tasks))
	return nil
}

func newTaskTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task-types",
		Short: "Print the task type registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{"task_types": domain.DefaultTaskTypes().Types()})
		},
	}
}
