package report

import (
	"github.com/lunixbochs/binscope/go/models"
)

// FileReport is the outcome for one input file. Error is set when the file
// could not be read or identified; Result is nil in that case.
type FileReport struct {
	Path   string         `json:"path"`
	Size   int64          `json:"size"`
	Result *models.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type Report struct {
	Files []*FileReport `json:"files"`
}

// Failed counts files with no result at all.
func (r *Report) Failed() int {
	n := 0
	for _, f := range r.Files {
		if f.Result == nil {
			n++
		}
	}
	return n
}
