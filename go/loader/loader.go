package loader

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lunixbochs/binscope/go/models"
)

// Analyzer holds the settings shared by every decode. It carries no
// per-file state and is safe for concurrent use.
type Analyzer struct {
	Limits models.Limits
	// AllSlices decodes every architecture of a fat Mach-O into Result.Slices.
	AllSlices bool
	Log       logrus.FieldLogger
}

func NewAnalyzer(cfg *models.Config) *Analyzer {
	a := &Analyzer{Limits: models.DefaultLimits, Log: logrus.StandardLogger()}
	if cfg != nil {
		a.Limits = cfg.Limits.Fill()
		a.AllSlices = cfg.AllSlices
	}
	return a
}

func (a *Analyzer) limits() models.Limits {
	return a.Limits.Fill()
}

// Logger returns Log, or the standard logger when Log is unset.
func (a *Analyzer) Logger() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

// Loaders returns one models.Loader per supported format, in dispatch order.
func (a *Analyzer) Loaders() []models.Loader {
	return []models.Loader{
		&formatLoader{"PE", MatchPE, a.PE},
		&formatLoader{"ELF", MatchElf, a.Elf},
		&formatLoader{"Mach-O", MatchMachO, a.MachO},
	}
}

type formatLoader struct {
	format string
	match  func(p []byte) bool
	load   func(p []byte) *models.Result
}

func (f *formatLoader) Format() string { return f.format }
func (f *formatLoader) Match(p []byte) bool { return f.match(p) }
func (f *formatLoader) Load(p []byte) *models.Result { return f.load(p) }

// LoaderBase is the per-decode state: the output being built and the
// limits in force. One is created for every call and never shared.
type LoaderBase struct {
	res    *models.Result
	limits models.Limits
	log    logrus.FieldLogger
}

func (a *Analyzer) base(format string) *LoaderBase {
	return &LoaderBase{
		res:    models.NewResult(format),
		limits: a.limits(),
		log:    a.Logger().WithField("format", format),
	}
}

// stage runs one pipeline step under a recover guard and records its
// outcome. fn reports how many items it recovered; an error after some
// items is a partial stage, an error before any is a failure.
func (l *LoaderBase) stage(name string, fn func() (int, error)) bool {
	n, err := guard(fn)
	st := models.Stage{Name: name}
	switch {
	case err == nil:
		st.Status = models.StageOK
	case errors.Is(err, errAbsent):
		st.Status = models.StageSkipped
	case n > 0:
		st.Status, st.Err = models.StagePartial, err
	default:
		st.Status, st.Err = models.StageFailed, err
	}
	if st.Err != nil {
		l.log.WithField("stage", name).WithField("items", n).Debugf("stage %s: %v", st.Status, err)
	}
	l.res.Stages = append(l.res.Stages, st)
	return st.Status == models.StageOK || st.Status == models.StagePartial
}

func guard(fn func() (int, error)) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// abandon drops everything recovered so far except the stage log.
// Used when the container signature itself does not check out.
func (l *LoaderBase) abandon() *models.Result {
	empty := models.NewResult(l.res.Format)
	empty.Stages = l.res.Stages
	return empty
}

func (l *LoaderBase) set(key, value string) {
	l.res.Header.Set(key, value)
}

func (l *LoaderBase) addSymbol(s models.Symbol) {
	l.res.Symbols = append(l.res.Symbols, s)
}

func (l *LoaderBase) addSection(s models.Section) {
	l.res.Sections = append(l.res.Sections, s)
}
