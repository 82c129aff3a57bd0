package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered students",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	students, err := DB.ListStudents(ctx)
	if err != nil {
		utils.ShowError("Failed to list students", err, nil)
		return err
	}

	if len(students) == 0 {
		fmt.Println("No students found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tMATRIC NO\tNAME\tSAMPLES\tCREATED")
	fmt.Fprintln(w, "--\t---------\t----\t-------\t-------")

	for _, st := range students {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", st.ID, st.MatricNo, st.Name, st.DescriptorCount, st.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
