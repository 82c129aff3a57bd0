package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var compareOpts Options

var compareCmd = &cobra.Command{
	Use:         "compare <live> <reference>",
	Short:       "Compare two faces and report their similarity",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{noDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		compareOpts.MatchThreshold = thresholdFlag(cmd, compareOpts.MatchThreshold, Cfg.Thresholds.Compare)
		return runCompare(cmd.Context(), args[0], args[1], compareOpts)
	},
}

func init() {
	compareCmd.Flags().Float64VarP(&compareOpts.MatchThreshold, "threshold", "t", matcher.DefaultThreshold, "Maximum Euclidean distance for a match (default from config)")
	compareCmd.Flags().Float64VarP(&compareOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold (default from config)")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(ctx context.Context, live, reference string, opts Options) error {
	descriptors, err := describeAll(ctx, []string{live, reference}, opts)
	if err != nil {
		return err
	}

	res, err := compareDescriptors(descriptors[0], descriptors[1], opts.MatchThreshold)
	if err != nil {
		utils.ShowError("Comparison failed", err, nil)
		return err
	}

	verdict := "❌ Different people"
	if res.IsMatch {
		verdict = "✅ Same person"
	}
	fmt.Printf("%s: similarity %.1f%% (distance %.3f, threshold %.2f)\n", verdict, res.Percent(), res.Distance, opts.MatchThreshold)
	return nil
}

func compareDescriptors(a, b types.Descriptor, threshold float64) (types.MatchResult, error) {
	m, err := matcher.New(nil, threshold)
	if err != nil {
		return types.MatchResult{}, err
	}
	return m.CompareSingle(a, b)
}
