package models

import (
	"encoding/json"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type StageStatus int

const (
	StageOK StageStatus = iota
	StagePartial
	StageFailed
	StageSkipped
)

var stageNames = []string{"ok", "partial", "failed", "skipped"}

func (s StageStatus) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

func (s StageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StageStatus) UnmarshalText(p []byte) error {
	for i, name := range stageNames {
		if name == string(p) {
			*s = StageStatus(i)
			return nil
		}
	}
	return errors.Errorf("unknown stage status %q", p)
}

// Stage records how one step of a decode pipeline went.
type Stage struct {
	Name   string      `json:"name"`
	Status StageStatus `json:"status"`
	Err    error       `json:"-"`
}

type stageJSON struct {
	Name   string      `json:"name"`
	Status StageStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

func (s Stage) MarshalJSON() ([]byte, error) {
	out := stageJSON{Name: s.Name, Status: s.Status}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var in stageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Name, s.Status = in.Name, in.Status
	if in.Error != "" {
		s.Err = errors.New(in.Error)
	}
	return nil
}

// Result is the normalized output of one decode. All collections are
// non-nil, so absence of data is always an empty collection.
type Result struct {
	Format   string       `json:"format"`
	Header   *Metadata    `json:"header"`
	Sections []Section    `json:"sections"`
	Symbols  []Symbol     `json:"symbols"`
	Imports  *ImportTable `json:"imports"`
	// Slices holds every decoded architecture of a fat Mach-O when requested.
	Slices []*Result `json:"slices,omitempty"`
	Stages []Stage   `json:"stages"`
}

func NewResult(format string) *Result {
	return &Result{
		Format:   format,
		Header:   NewMetadata(),
		Sections: []Section{},
		Symbols:  []Symbol{},
		Imports:  NewImportTable(),
		Stages:   []Stage{},
	}
}

// Empty reports whether nothing at all was recovered.
func (r *Result) Empty() bool {
	return r.Header.Len() == 0 && len(r.Sections) == 0 && len(r.Symbols) == 0 && r.Imports.Len() == 0
}

func (r *Result) Stage(name string) (Stage, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Err folds the errors of failed and partial stages together.
// It returns nil when every stage succeeded or was skipped.
func (r *Result) Err() error {
	var merr *multierror.Error
	for _, s := range r.Stages {
		if s.Err != nil && (s.Status == StageFailed || s.Status == StagePartial) {
			merr = multierror.Append(merr, errors.Wrap(s.Err, s.Name))
		}
	}
	return merr.ErrorOrNil()
}
