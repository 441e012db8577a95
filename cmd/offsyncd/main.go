package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/offsync/internal/daemon"
	"github.com/matheus3301/offsync/internal/session"
)

var version = "dev"

func main() {
	var sessionFlag string

	root := &cobra.Command{
		Use:           "offsyncd",
		Short:         "Offline-resilient message sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionName := session.Resolve(sessionFlag)
			if err := session.ValidateName(sessionName); err != nil {
				return err
			}

			app := fx.New(
				daemon.Module(daemon.Params{SessionName: sessionName}),
			)
			app.Run()
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(runCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
