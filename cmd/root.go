package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tsync",
		Short:         "tsync: team task board client with live sync",
		Long:          "tsync signs in to a task board server, keeps the session alive, and shows projects, tasks and notifications kept current by push events.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newLoginCmd(app),
		newLogoutCmd(app),
		newProjectsCmd(app),
		newTasksCmd(app),
		newNotificationsCmd(app),
		newWatchCmd(app),
	)

	return rootCmd
}
