package cmd

import (
	"os"
	"path/filepath"

	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanupStateFile string
var cleanupAgree bool

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Remove leftover workspace directories created by culprit",
	Long: `This command removes the temporary workspace directories culprit created.
Leftovers can remain when the process was killed before it could tear its workspaces down.
Optionally a persisted session state file can be deleted as well.`,
	Run: func(cmd *cobra.Command, args []string) {
		leftovers, err := filepath.Glob(filepath.Join(os.TempDir(), "culprit-*"))
		if err != nil {
			logrus.Fatalf("Couldn't scan for leftover workspaces - %v", err)
		}

		targets := leftovers
		if cleanupStateFile != "" {
			if _, err := os.Stat(cleanupStateFile); err == nil {
				targets = append(targets, cleanupStateFile)
			}
		}

		if len(targets) == 0 {
			logrus.Info("Nothing to remove. Exiting...")
			return
		}

		logrus.Infof("About to delete %d leftovers.", len(targets))

		prompt := promptui.Prompt{
			Label:     "Proceed",
			IsConfirm: true,
		}

		if !cleanupAgree {
			_, err := prompt.Run()
			if err != nil {
				logrus.Info("Exiting...")
				os.Exit(0)
			}
		}

		for _, target := range targets {
			logrus.Infof("Deleting %s", target)
			if err := os.RemoveAll(target); err != nil {
				logrus.Fatalf("Failed to remove %s - %v", target, err)
			}
		}

		logrus.Info("Done cleaning up.")
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().StringVarP(&cleanupStateFile, "state-file", "s", "", "Also delete this persisted session state file.")
	cleanupCmd.Flags().BoolVarP(&cleanupAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}
