package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/kr/pretty"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	"github.com/lunixbochs/binscope/go/models"
)

var Formats = []string{"text", "json", "go"}

var (
	chHeading = ansi.ColorCode("cyan+b")
	chLabel   = ansi.ColorCode("default+b")
	chBad     = ansi.ColorCode("red")
	chWarn    = ansi.ColorCode("yellow")
)

// Render writes rep in one of Formats.
func Render(w io.Writer, rep *Report, format string, color bool) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(rep), "failed to encode report")
	case "go":
		_, err := pretty.Fprintf(w, "%# v\n", dumpReport(rep))
		return errors.WithStack(err)
	case "text", "":
		t := &textRenderer{w: w, color: color}
		for i, f := range rep.Files {
			if i > 0 {
				fmt.Fprintln(w)
			}
			t.file(f)
		}
		return t.err
	}
	return errors.Errorf("unknown output format %q (want one of %s)", format, strings.Join(Formats, ", "))
}

type textRenderer struct {
	w     io.Writer
	color bool
	err   error
}

func (t *textRenderer) paint(s, code string) string {
	if !t.color {
		return s
	}
	return code + s + ansi.Reset
}

func (t *textRenderer) printf(format string, args ...interface{}) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, format, args...)
}

func (t *textRenderer) file(f *FileReport) {
	t.printf("%s\n", t.paint(fmt.Sprintf("== %s (%s) ==", f.Path, humanize.IBytes(uint64(f.Size))), chHeading))
	if f.Error != "" {
		t.printf("%s %s\n", t.paint("error:", chBad), f.Error)
		return
	}
	t.result(f.Result, "")
}

func (t *textRenderer) table(indent string, header []string, rows [][]string) {
	if t.err != nil {
		return
	}
	tw := tabwriter.NewWriter(t.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s%s\n", indent, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintf(tw, "%s%s\n", indent, strings.Join(row, "\t"))
	}
	t.err = tw.Flush()
}

func (t *textRenderer) section(indent, title string, count int) {
	t.printf("%s%s\n", indent, t.paint(fmt.Sprintf("%s (%d)", title, count), chLabel))
}

func (t *textRenderer) result(res *models.Result, indent string) {
	if res == nil {
		return
	}
	t.printf("%sFormat: %s\n", indent, res.Format)
	inner := indent + "  "

	keys := res.Header.Keys()
	t.section(indent, "Header", len(keys))
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		v, _ := res.Header.Get(k)
		rows = append(rows, []string{k, v})
	}
	if len(rows) > 0 {
		t.table(inner, []string{"FIELD", "VALUE"}, rows)
	}

	t.section(indent, "Sections", len(res.Sections))
	if len(res.Sections) > 0 {
		rows = rows[:0]
		for _, s := range res.Sections {
			rows = append(rows, []string{s.Name, s.Kind, models.HexAddr(s.Addr), models.HexAddr(s.Offset), humanize.IBytes(s.Size), s.Flags})
		}
		t.table(inner, []string{"NAME", "TYPE", "ADDRESS", "OFFSET", "SIZE", "FLAGS"}, rows)
	}

	t.section(indent, "Symbols", len(res.Symbols))
	if len(res.Symbols) > 0 {
		rows = rows[:0]
		for _, s := range res.Symbols {
			size := ""
			if s.Size > 0 {
				size = humanize.Comma(int64(s.Size))
			}
			rows = append(rows, []string{s.Name, s.Type, s.Address, size})
		}
		t.table(inner, []string{"NAME", "TYPE", "ADDRESS", "SIZE"}, rows)
	}

	libs := res.Imports.Libraries()
	t.section(indent, "Imports", len(libs))
	for _, lib := range libs {
		names := res.Imports.Get(lib)
		t.printf("%s%s (%d)\n", inner, lib, len(names))
		for _, name := range names {
			t.printf("%s  %s\n", inner, name)
		}
	}

	t.section(indent, "Stages", len(res.Stages))
	for _, s := range res.Stages {
		status := s.Status.String()
		switch s.Status {
		case models.StageFailed:
			status = t.paint(status, chBad)
		case models.StagePartial:
			status = t.paint(status, chWarn)
		}
		if s.Err != nil {
			t.printf("%s%s: %s (%v)\n", inner, s.Name, status, s.Err)
		} else {
			t.printf("%s%s: %s\n", inner, s.Name, status)
		}
	}

	for i, slice := range res.Slices {
		arch, _ := slice.Header.Get("Arch")
		t.printf("%s%s\n", indent, t.paint(fmt.Sprintf("Slice %d (%s)", i, arch), chLabel))
		t.result(slice, inner)
	}
}

// The go dump walks plain values; ordered maps and stage errors are
// flattened first so the output shows data rather than their internals.
type fileDump struct {
	Path   string
	Size   int64
	Result *resultDump
	Error  string
}

type resultDump struct {
	Format   string
	Header   [][2]string
	Sections []models.Section
	Symbols  []models.Symbol
	Imports  []importDump
	Stages   []stageDump
	Slices   []*resultDump
}

type importDump struct {
	Library string
	Names   []string
}

type stageDump struct {
	Name, Status, Error string
}

func dumpReport(rep *Report) []fileDump {
	files := make([]fileDump, 0, len(rep.Files))
	for _, f := range rep.Files {
		files = append(files, fileDump{Path: f.Path, Size: f.Size, Result: dumpResult(f.Result), Error: f.Error})
	}
	return files
}

func dumpResult(res *models.Result) *resultDump {
	if res == nil {
		return nil
	}
	d := &resultDump{Format: res.Format, Sections: res.Sections, Symbols: res.Symbols}
	for _, k := range res.Header.Keys() {
		v, _ := res.Header.Get(k)
		d.Header = append(d.Header, [2]string{k, v})
	}
	for _, lib := range res.Imports.Libraries() {
		d.Imports = append(d.Imports, importDump{lib, res.Imports.Get(lib)})
	}
	for _, s := range res.Stages {
		st := stageDump{Name: s.Name, Status: s.Status.String()}
		if s.Err != nil {
			st.Error = s.Err.Error()
		}
		d.Stages = append(d.Stages, st)
	}
	for _, slice := range res.Slices {
		d.Slices = append(d.Slices, dumpResult(slice))
	}
	return d
}
