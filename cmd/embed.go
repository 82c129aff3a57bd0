package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/rollcall/internal/extractor"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	embedOpts   Options
	embedOutput string
)

var embedCmd = &cobra.Command{
	Use:         "embed <image>",
	Short:       "Extract a face descriptor into a JSON file",
	Long:        "Runs the face extractor once and saves the descriptor so later commands can skip the model.",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{noDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		input := args[0]
		out := embedOutput
		if out == "" {
			out = strings.TrimSuffix(input, filepath.Ext(input)) + ".json"
		}
		if isDescriptorFile(input) {
			return fmt.Errorf("%s is already a descriptor file", input)
		}

		descriptors, err := describeAll(cmd.Context(), []string{input}, embedOpts)
		if err != nil {
			return err
		}
		if err := extractor.WriteDescriptorFile(out, descriptors[0]); err != nil {
			utils.ShowError("Failed to write descriptor file", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Saved %d-d descriptor to %s\n", len(descriptors[0]), out)
		return nil
	},
}

func init() {
	embedCmd.Flags().StringVarP(&embedOutput, "output", "o", "", "Output path (default: <image>.json)")
	embedCmd.Flags().Float64VarP(&embedOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold (default from config)")
	rootCmd.AddCommand(embedCmd)
}
