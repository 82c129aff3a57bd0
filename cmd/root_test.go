package cmd

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/spf13/cobra"
)

func TestOnExitRunsWhenCommandFails(t *testing.T) {
	chdir(t, t.TempDir())
	oldCfg := Cfg
	t.Cleanup(func() { Cfg = oldCfg })

	var order []string
	boom := errors.New("boom")
	failing := &cobra.Command{
		Use:           "failing",
		Annotations:   map[string]string{noDB: "true"},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			onExit = append(onExit,
				func() { order = append(order, "first") },
				func() { order = append(order, "second") },
			)
			return boom
		},
	}
	rootCmd.AddCommand(failing)
	t.Cleanup(func() {
		rootCmd.RemoveCommand(failing)
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"failing"})
	if err := rootCmd.ExecuteContext(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Expected the command error, got %v", err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("Expected cleanups in reverse order, got %v", order)
	}
	if len(onExit) != 0 {
		t.Errorf("Expected cleanups to be cleared, %d left", len(onExit))
	}
}

func TestCloseDBWithoutConnection(t *testing.T) {
	old := DB
	DB = nil
	t.Cleanup(func() { DB = old })
	closeDB()
	if DB != nil {
		t.Error("Expected DB to stay nil")
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
