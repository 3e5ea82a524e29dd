package analyze

import (
	"io/ioutil"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lunixbochs/binscope/go/cmd"
	"github.com/lunixbochs/binscope/go/loader"
	"github.com/lunixbochs/binscope/go/report"
)

var (
	output   string
	compress bool
)

var Command = &cobra.Command{
	Use:   "analyze FILE...",
	Short: "Decode headers, sections, symbols and imports of each file",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	f := Command.Flags()
	f.StringP("format", "f", "text", "output format (text, json, go)")
	f.StringVarP(&output, "output", "o", "", "also write a report file")
	f.BoolVar(&compress, "compress", false, "snappy-compress the report file")
	f.Bool("all-slices", false, "decode every architecture of a fat Mach-O")
	f.IntP("workers", "j", 0, "files decoded in parallel (default: number of CPUs)")
	cmd.Register(Command)
}

// Files decodes each path with up to workers files in flight. A file that
// cannot be read or identified gets a FileReport with Error set; it never
// stops the others. The returned error aggregates those per-file failures.
func Files(a *loader.Analyzer, paths []string, workers int) (*report.Report, error) {
	rep := &report.Report{Files: make([]*report.FileReport, len(paths))}
	errs := make([]error, len(paths))

	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			fr := &report.FileReport{Path: path}
			rep.Files[i] = fr
			p, err := ioutil.ReadFile(path)
			if err != nil {
				errs[i] = errors.Wrapf(err, "failed to read %s", path)
				fr.Error = err.Error()
				return nil
			}
			fr.Size = int64(len(p))
			res, err := a.Analyze(p)
			if err != nil {
				errs[i] = errors.Wrap(err, path)
				fr.Error = err.Error()
				return nil
			}
			fr.Result = res
			if serr := res.Err(); serr != nil {
				a.Logger().WithFields(logrus.Fields{"path": path, "format": res.Format}).Warn(serr)
			}
			return nil
		})
	}
	g.Wait()

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return rep, merr.ErrorOrNil()
}

func run(c *cobra.Command, args []string) error {
	cfg := cmd.Config
	a := loader.NewAnalyzer(cfg)
	a.Log = logrus.StandardLogger()

	rep, err := Files(a, args, cfg.Workers)
	if err != nil {
		logrus.WithField("failed", rep.Failed()).Warn(err)
	}
	if err := report.Render(os.Stdout, rep, cfg.Format, cfg.Color); err != nil {
		return err
	}
	if output != "" {
		if err := report.WriteFile(output, rep, compress); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"path": output, "compressed": compress}).Info("wrote report")
	}
	if rep.Failed() == len(rep.Files) {
		return errors.New("no file could be analyzed")
	}
	return nil
}
