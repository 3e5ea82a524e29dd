package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lunixbochs/binscope/go/models"
)

// Config is loaded before any subcommand runs.
var Config = &models.Config{}

var configFile string

func setup(c *cobra.Command, args []string) error {
	v, err := LoadConfig(configFile, c)
	if err != nil {
		return err
	}
	cfg, err := DecodeConfig(v)
	if err != nil {
		return err
	}
	*Config = *cfg
	return SetupLogging(logrus.StandardLogger(), Config.Log, Config.Verbose)
}

// SetupLogging configures a logrus logger from config. Verbose forces debug.
func SetupLogging(log *logrus.Logger, cfg models.LogConfig, verbose bool) error {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", cfg.Format)
	}
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return errors.Wrap(err, "log.level")
		}
	}
	if verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func PrintError(err error) {
	FprintError(os.Stderr, err)
}

// FprintError prints an error, and a stacktrace if available.
func FprintError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(w, "Error: %s\n", err)
	var st stackTracer
	if !errors.As(err, &st) {
		return
	}
	// parse full path and method name for each stack frame
	var frames [][]string
	for _, f := range st.StackTrace() {
		fullpath := ""
		fileline := fmt.Sprintf("%s:%d", f, f)
		method := fmt.Sprintf("%n", f)

		frame := fmt.Sprintf("%+s", f)
		tmp := strings.SplitN(frame, "\n", 3)
		if len(tmp) == 2 {
			pathsplit := strings.Split(tmp[0], "/")
			method = pathsplit[len(pathsplit)-1]
			fullpath = strings.TrimSpace(tmp[1])
		}
		frames = append(frames, []string{fullpath, fileline, method})
		if method == "main.main" {
			break
		}
	}
	// calculate column widths
	widths := make([]int, 3)
	for _, f := range frames {
		for i, s := range f {
			if len(s) > widths[i] {
				widths[i] = len(s)
			}
		}
	}
	// print pretty stacktrace
	for _, f := range frames {
		method := f[2]
		for i := 0; i < 2; i++ {
			if widths[i] > 0 {
				pad := strings.Repeat(" ", widths[i]-len(f[i]))
				fmt.Fprintf(w, "%s%s | ", f[i], pad)
			}
		}
		fmt.Fprintf(w, "%s()\n", method)
	}
}
