package loader

import (
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/lunixbochs/binscope/go/models"
)

var defaultAnalyzer = NewAnalyzer(nil)

func AnalyzePE(p []byte) *models.Result {
	return defaultAnalyzer.PE(p)
}

func AnalyzeElf(p []byte) *models.Result {
	return defaultAnalyzer.Elf(p)
}

func AnalyzeMachO(p []byte) *models.Result {
	return defaultAnalyzer.MachO(p)
}

func Analyze(p []byte) (*models.Result, error) {
	return defaultAnalyzer.Analyze(p)
}

func AnalyzeFile(path string) (*models.Result, error) {
	return defaultAnalyzer.AnalyzeFile(path)
}

// Analyze picks a decoder from the leading magic bytes.
func (a *Analyzer) Analyze(p []byte) (*models.Result, error) {
	for _, l := range a.Loaders() {
		if l.Match(p) {
			a.Logger().WithField("format", l.Format()).Debug("matched magic")
			return l.Load(p), nil
		}
	}
	return nil, errors.WithStack(UnknownMagic)
}

func (a *Analyzer) AnalyzeFile(path string) (*models.Result, error) {
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	res, err := a.Analyze(p)
	return res, errors.Wrap(err, path)
}
