package show

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lunixbochs/binscope/go/cmd"
	"github.com/lunixbochs/binscope/go/report"
)

var Command = &cobra.Command{
	Use:   "show REPORT",
	Short: "Render a saved report file",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		rep, err := report.ReadFile(args[0])
		if err != nil {
			return err
		}
		return report.Render(os.Stdout, rep, cmd.Config.Format, cmd.Config.Color)
	},
}

func init() {
	Command.Flags().StringP("format", "f", "text", "output format (text, json, go)")
	cmd.Register(Command)
}
