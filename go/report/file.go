package report

import (
	"encoding/json"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var REPORT_MAGIC = "BSCR"

const REPORT_VERSION = 1

const (
	// FlagCompressed marks a snappy-framed body.
	FlagCompressed uint32 = 1 << iota
)

type ReportHeader struct {
	// MAGIC ("BSCR")
	Magic string `struc:"[4]byte" json:"-"`
	// file format version
	Version uint32 `json:"version"`
	Flags   uint32 `json:"flags"`
}

func (h *ReportHeader) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

type ReportWriter struct {
	w  io.Writer
	zw *snappy.Writer
}

// NewWriter writes the file header. Everything written afterwards is the
// report body, compressed when requested.
func NewWriter(w io.Writer, compress bool) (*ReportWriter, error) {
	header := &ReportHeader{Magic: REPORT_MAGIC, Version: REPORT_VERSION}
	if compress {
		header.Flags |= FlagCompressed
	}
	if err := struc.Pack(w, header); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	rw := &ReportWriter{w: w}
	if compress {
		rw.zw = snappy.NewBufferedWriter(w)
	}
	return rw, nil
}

func (r *ReportWriter) Write(rep *Report) error {
	var out io.Writer = r.w
	if r.zw != nil {
		out = r.zw
	}
	return errors.Wrap(json.NewEncoder(out).Encode(rep), "failed to encode report")
}

// Close flushes the compressed body. It does not close the underlying writer.
func (r *ReportWriter) Close() error {
	if r.zw != nil {
		return r.zw.Close()
	}
	return nil
}

type ReportReader struct {
	r      io.Reader
	Header ReportHeader
}

func NewReader(r io.Reader) (*ReportReader, error) {
	t := &ReportReader{r: r}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != REPORT_MAGIC {
		return nil, errors.New("invalid report file magic")
	}
	if t.Header.Version != REPORT_VERSION {
		return nil, errors.Errorf("unsupported report version %d", t.Header.Version)
	}
	if t.Header.Compressed() {
		t.r = snappy.NewReader(r)
	}
	return t, nil
}

func (t *ReportReader) Read() (*Report, error) {
	var rep Report
	if err := json.NewDecoder(t.r).Decode(&rep); err != nil {
		return nil, errors.Wrap(err, "failed to decode report")
	}
	return &rep, nil
}

func WriteFile(path string, rep *Report, compress bool) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = errors.WithStack(cerr)
		}
	}()
	w, err := NewWriter(f, compress)
	if err != nil {
		return err
	}
	if err := w.Write(rep); err != nil {
		return err
	}
	return w.Close()
}

func ReadFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	r, err := NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return r.Read()
}
