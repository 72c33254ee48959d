package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var templateOutput string

const templateHeader = `#!/bin/sh
# Test procedure for culprit.
#
# Invoked once per candidate with two arguments:
#   $1 - the revision under test
#   $2 - the absolute path of the prepared workspace (also the working directory)
#
# Exit status contract:
#   0       this revision is good
#   1-124   this revision is bad
#   125     this revision cannot be judged, skip it
#   >= 128  something is fundamentally broken, abort the whole search
REV="$1"
WORKSPACE="$2"
cd "$WORKSPACE" || exit 128
`

var templates = map[string]string{
	"generic": templateHeader + `
# Build the project. A revision that does not build cannot be judged.
# make build || exit 125

# Run the check that reproduces the regression.
# ./reproduce.sh || exit 1

exit 0
`,
	"go-test": templateHeader + `
# A revision that does not compile cannot be judged.
go build ./... || exit 125

# Replace the package/run pattern with the failing test.
go test ./... -run 'TestName' || exit 1

exit 0
`,
	"make": templateHeader + `
make clean >/dev/null 2>&1

# A revision that does not build cannot be judged.
make || exit 125

make test || exit 1

exit 0
`,
}

var templateCmd = &cobra.Command{
	Use:       "template [shape]",
	Short:     "Generate a test-procedure skeleton",
	Long:      `Generate a test-procedure skeleton honoring the exit status contract. Available shapes: generic, go-test, make.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"generic", "go-test", "make"},
	Run: func(cmd *cobra.Command, args []string) {
		shape := "generic"
		if len(args) == 1 {
			shape = args[0]
		}
		content, ok := templates[shape]
		if !ok {
			logrus.Fatalf("%s is not a valid template shape", shape)
		}

		if templateOutput == "" {
			fmt.Print(content)
			return
		}
		if err := os.WriteFile(templateOutput, []byte(content), 0o755); err != nil {
			logrus.Fatalf("Failed to write template to %s - %v", templateOutput, err)
		}
		logrus.Infof("Wrote %s template to %s", shape, templateOutput)
	},
}

func init() {
	rootCmd.AddCommand(templateCmd)

	templateCmd.Flags().StringVarP(&templateOutput, "output", "o", "", "Write the template to this file instead of stdout")
}
