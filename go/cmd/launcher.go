package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var Root = &cobra.Command{
	Use:   "binscope",
	Short: "Static introspection of PE, ELF and Mach-O binaries",
	Example: `  binscope analyze /bin/ls
  binscope analyze -f json -o ls.bsr --compress /bin/ls
  binscope show ls.bsr`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	pf := Root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: config.yaml in the user config dir)")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.String("log-format", "text", "log format (text, json)")
	pf.Bool("no-color", false, "disable colored output")
}

// Register adds a subcommand. Subcommand packages call it from init().
func Register(c *cobra.Command) {
	Root.AddCommand(c)
}

func Main() {
	if err := Root.Execute(); err != nil {
		PrintError(err)
		os.Exit(1)
	}
}
