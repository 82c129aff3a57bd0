package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var matchOpts Options

var matchCmd = &cobra.Command{
	Use:   "match <image|descriptor.json>",
	Short: "Find the registered student closest to a face",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		matchOpts.MatchThreshold = thresholdFlag(cmd, matchOpts.MatchThreshold, Cfg.Thresholds.Live)
		return runMatch(cmd.Context(), args[0], matchOpts)
	},
}

func init() {
	matchCmd.Flags().Float64VarP(&matchOpts.MatchThreshold, "threshold", "t", matcher.DefaultThreshold, "Maximum Euclidean distance for a match (default from config)")
	matchCmd.Flags().Float64VarP(&matchOpts.DetectionThreshold, "detection-threshold", "D", 0, "Face detection confidence threshold (default from config)")
	matchCmd.Flags().BoolVarP(&matchOpts.ShowAll, "all", "a", false, "Print the distance to every student")
	matchCmd.Flags().BoolVarP(&matchOpts.DebugScreenshots, "debug", "d", false, "Enable debug screenshots")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(ctx context.Context, input string, opts Options) error {
	descriptors, err := describeAll(ctx, []string{input}, opts)
	if err != nil {
		return err
	}
	query := descriptors[0]

	fmt.Fprintln(os.Stderr, "🗄️  Loading reference faces...")
	sets, err := DB.LoadLabeledDescriptors(ctx)
	if err != nil {
		utils.ShowError("Failed to load reference faces", err, nil)
		return err
	}
	m, err := matcher.New(sets, opts.MatchThreshold)
	if err != nil {
		utils.ShowError("Failed to build matcher", err, nil)
		return err
	}

	res, err := m.FindBestMatch(query)
	if err != nil {
		utils.ShowError("Matching failed", err, nil)
		return err
	}

	if opts.ShowAll {
		if err := printCandidates(ctx, m, query); err != nil {
			return err
		}
	}

	if !res.IsMatch {
		if m.Len() == 0 {
			fmt.Println("❌ No match found: no students are registered.")
		} else {
			fmt.Printf("❌ No match found in database (closest distance %.3f, threshold %.2f).\n", res.Distance, m.Threshold())
		}
		return nil
	}

	fmt.Printf("✅ Found Match: %s (distance %.3f, similarity %.0f%%)\n", studentName(ctx, res.Label), res.Distance, res.Percent())
	return nil
}

// studentName resolves a matcher label to "Name (ID: n)" for display.
func studentName(ctx context.Context, label string) string {
	id, err := strconv.Atoi(label)
	if err != nil {
		return label
	}
	st, err := DB.GetStudent(ctx, id)
	if err != nil {
		return fmt.Sprintf("Student %d", id)
	}
	return fmt.Sprintf("%s (ID: %d, %s)", st.Name, st.ID, st.MatricNo)
}

func printCandidates(ctx context.Context, m *matcher.FaceMatcher, query types.Descriptor) error {
	candidates, err := m.Distances(query)
	if err != nil {
		utils.ShowError("Matching failed", err, nil)
		return err
	}

	students, err := DB.ListStudents(ctx)
	if err != nil {
		utils.ShowError("Failed to list students", err, nil)
		return err
	}
	names := make(map[string]string, len(students))
	for _, st := range students {
		names[strconv.Itoa(st.ID)] = st.Name
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDISTANCE\tMATCH")
	fmt.Fprintln(w, "--\t----\t--------\t-----")
	for _, c := range candidates {
		mark := ""
		if c.Distance < m.Threshold() {
			mark = "✓"
		}
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\n", c.Label, names[c.Label], c.Distance, mark)
	}
	return w.Flush()
}
