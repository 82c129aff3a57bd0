package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var registerOpts Options

var registerCmd = &cobra.Command{
	Use:   "register <matric_no> <name> <image|descriptor.json>...",
	Short: "Register a student and store one face sample per input",
	Long: `Registers a student (or renames an existing one with the same matric number)
and adds a face descriptor for every input. Run it again with more photos to add
samples from other angles; matching always uses the closest sample.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRegister(cmd.Context(), args[0], args[1], args[2:], registerOpts)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <student_id>",
	Short: "Delete a student with all face samples and attendance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.ShowError("Invalid student ID", err, nil)
			return err
		}
		if err := DB.DeleteStudent(cmd.Context(), id); err != nil {
			utils.ShowError("Failed to remove student", err, nil)
			return err
		}
		fmt.Printf("🗑️  Student %d removed\n", id)
		return nil
	},
}

func init() {
	registerCmd.Flags().Float64VarP(&registerOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold (default from config)")
	registerCmd.Flags().BoolVarP(&registerOpts.DebugScreenshots, "debug", "d", false, "Enable debug screenshots")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(removeCmd)
}

func runRegister(ctx context.Context, matricNo, name string, inputs []string, opts Options) error {
	descriptors, err := describeAll(ctx, inputs, opts)
	if err != nil {
		return err
	}

	id, err := DB.RegisterStudent(ctx, matricNo, name)
	if err != nil {
		utils.ShowError("Failed to register student", err, nil)
		return err
	}

	for _, d := range descriptors {
		if _, err := DB.AddDescriptor(ctx, id, d); err != nil {
			utils.ShowError("Failed to store face sample", err, nil)
			return err
		}
	}

	fmt.Printf("✅ Student %s (%s) registered as ID %d with %d new face sample(s)\n", name, matricNo, id, len(descriptors))
	return nil
}
