package loader

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunixbochs/binscope/go/models"
)

var machoText = models.Section{
	Name:   "__text",
	Kind:   "REGULAR",
	Addr:   0x100000f00,
	Offset: 0xf00,
	Size:   0x20,
	Flags:  "RX",
}

func TestMachOMagic(t *testing.T) {
	cases := []struct {
		magic []byte
		kind  machoKind
		order binary.ByteOrder
		width Width
	}{
		{[]byte{0xfe, 0xed, 0xfa, 0xce}, machoThin, binary.BigEndian, Width32},
		{[]byte{0xce, 0xfa, 0xed, 0xfe}, machoThin, binary.LittleEndian, Width32},
		{[]byte{0xfe, 0xed, 0xfa, 0xcf}, machoThin, binary.BigEndian, Width64},
		{[]byte{0xcf, 0xfa, 0xed, 0xfe}, machoThin, binary.LittleEndian, Width64},
		{[]byte{0xca, 0xfe, 0xba, 0xbe}, machoFat, binary.BigEndian, Width32},
		{[]byte{0xca, 0xfe, 0xba, 0xbf}, machoFat, binary.BigEndian, Width64},
	}
	for _, c := range cases {
		kind, order, width := machoMagic(c.magic)
		assert.Equal(t, c.kind, kind, "%x", c.magic)
		assert.Equal(t, c.order, order, "%x", c.magic)
		assert.Equal(t, c.width, width, "%x", c.magic)
		assert.True(t, MatchMachO(c.magic))
	}
	assert.False(t, MatchMachO([]byte{0x7f, 'E', 'L', 'F'}))
	assert.False(t, MatchMachO([]byte{0xfe, 0xed}))
}

func TestMachOShortBuffers(t *testing.T) {
	full := newMachO64().bytes()
	for _, p := range [][]byte{nil, full[:4], full[:20]} {
		res := AnalyzeMachO(p)
		assert.True(t, res.Empty())
		requireStage(t, res, "header", models.StageFailed)
	}
}

func TestMachO64(t *testing.T) {
	res := AnalyzeMachO(newMachO64().bytes())
	assert.Equal(t, "Mach-O", res.Format)
	requireStage(t, res, "header", models.StageOK)
	requireStage(t, res, "load commands", models.StageOK)
	requireStage(t, res, "symbols", models.StageOK)

	assert.Equal(t, "64-bit", header(t, res, "Mach-O"))
	assert.Equal(t, "x86_64", header(t, res, "Arch"))
	assert.Equal(t, "Little", header(t, res, "Endian"))
	assert.Equal(t, "Executable", header(t, res, "File Type"))
	assert.Equal(t, "4", header(t, res, "Load Commands"))
	assert.Equal(t, "256 B", header(t, res, "Size of Commands"))
	assert.Equal(t, "0x200085", header(t, res, "Header Flags"))
	assert.Equal(t, "3", header(t, res, "CPU Subtype"))
	assert.Equal(t, "0x100000F00", header(t, res, "Entry Point"))

	assert.Equal(t, []models.Section{machoText}, res.Sections)
	assert.Equal(t, []models.Symbol{
		{Name: "_main", Type: "EXT/SECT", Address: "0x100000F00"},
		{Name: "_printf", Type: "EXT/UNDF", Address: "0x0"},
	}, res.Symbols)
	assert.Equal(t, []string{machoImportDylibs, machoImportSymbols}, res.Imports.Libraries())
	assert.Equal(t, []string{"/usr/lib/libSystem.B.dylib"}, res.Imports.Get(machoImportDylibs))
	assert.Equal(t, []string{"_printf"}, res.Imports.Get(machoImportSymbols))
}

func TestMachOBadCmdsize(t *testing.T) {
	m := newMachO64()
	m.u32(machoFixMain+4, 0xffff)
	res := AnalyzeMachO(m.bytes())

	st := requireStage(t, res, "load commands", models.StagePartial)
	assert.True(t, errors.Is(st.Err, ErrMalformedTable))
	requireStage(t, res, "symbols", models.StageSkipped)
	assert.Equal(t, "x86_64", header(t, res, "Arch"))
	assert.Equal(t, []models.Section{machoText}, res.Sections)
	_, ok := res.Header.Get("Entry Point")
	assert.False(t, ok)
}

func TestMachOShortSegmentCommand(t *testing.T) {
	m := newMachO64()
	m.u32(32+4, 48)
	m.u32(32+64, 0)
	res := AnalyzeMachO(m.bytes())

	st := requireStage(t, res, "load commands", models.StagePartial)
	assert.True(t, errors.Is(st.Err, ErrMalformedTable))
	assert.Empty(t, res.Sections)
}

func TestMachO32(t *testing.T) {
	res := AnalyzeMachO(newMachO32().bytes())
	requireStage(t, res, "header", models.StageOK)
	requireStage(t, res, "load commands", models.StageOK)
	requireStage(t, res, "symbols", models.StageOK)

	assert.Equal(t, "32-bit", header(t, res, "Mach-O"))
	assert.Equal(t, "x86", header(t, res, "Arch"))
	assert.Equal(t, "Executable", header(t, res, "File Type"))
	assert.Equal(t, "228 B", header(t, res, "Size of Commands"))
	// LC_UNIXTHREAD eip
	assert.Equal(t, "0x1100", header(t, res, "Entry Point"))

	assert.Equal(t, []models.Section{{
		Name:   "__text",
		Kind:   "REGULAR",
		Addr:   0x1100,
		Offset: 0x100,
		Size:   0x20,
		Flags:  "RX",
	}}, res.Sections)
	assert.Equal(t, []models.Symbol{
		{Name: "_main", Type: "EXT/SECT", Address: "0x1100"},
		{Name: "_puts", Type: "EXT/UNDF", Address: "0x0"},
	}, res.Symbols)
	assert.Equal(t, []string{"_puts"}, res.Imports.Get(machoImportSymbols))
	assert.Empty(t, res.Imports.Get(machoImportDylibs))
}

func TestMachOSectionCountClamped(t *testing.T) {
	m := newMachO64()
	m.u32(32+64, 1000)
	res := AnalyzeMachO(m.bytes())
	assert.Equal(t, []models.Section{machoText}, res.Sections)
}

func TestMachOSymbolLimit(t *testing.T) {
	a := NewAnalyzer(&models.Config{Limits: models.Limits{Symbols: 2}})
	res := a.MachO(newMachO64().bytes())
	assert.Equal(t, []models.Symbol{
		{Name: "_main", Type: "EXT/SECT", Address: "0x100000F00"},
	}, res.Symbols)
}

func TestMachOFat(t *testing.T) {
	thin := newMachO64().bytes()
	res := AnalyzeMachO(newFat([]uint32{0x01000007}, thin))

	requireStage(t, res, "fat header", models.StageOK)
	requireStage(t, res, "load commands", models.StageOK)
	assert.Equal(t, "Fat binary (1 arch)", header(t, res, "Mach-O"))
	assert.Equal(t, "x86_64", header(t, res, "Architectures"))
	assert.Equal(t, "x86_64", header(t, res, "Arch"))
	assert.Equal(t, []models.Section{machoText}, res.Sections)
	assert.Equal(t, []string{"_printf"}, res.Imports.Get(machoImportSymbols))
	assert.Empty(t, res.Slices)
}

func TestMachOFatAllSlices(t *testing.T) {
	thin := newMachO64()
	thin32 := newImage(28, binary.LittleEndian)
	thin32.u32(0, 0xfeedface)
	thin32.u32(4, 7)
	thin32.u32(12, 6)

	a := NewAnalyzer(&models.Config{AllSlices: true})
	res := a.MachO(newFat([]uint32{0x01000007, 7}, thin.bytes(), thin32.bytes()))
	assert.Equal(t, "x86_64, x86", header(t, res, "Architectures"))
	require.Len(t, res.Slices, 2)
	assert.Equal(t, "x86_64", header(t, res.Slices[0], "Arch"))
	assert.Equal(t, "x86", header(t, res.Slices[1], "Arch"))
	assert.Equal(t, "32-bit", header(t, res.Slices[1], "Mach-O"))
	assert.Equal(t, "Dynamic Library", header(t, res.Slices[1], "File Type"))
}

func TestMachOFatSlicePastEnd(t *testing.T) {
	p := newFat([]uint32{0x01000007}, newMachO64().bytes())
	binary.BigEndian.PutUint32(p[16:], uint32(len(p)+0x1000))
	res := AnalyzeMachO(p)
	assert.Equal(t, "Fat binary (1 arch)", header(t, res, "Mach-O"))
	assert.Empty(t, res.Sections)
	st := requireStage(t, res, "header", models.StageFailed)
	assert.True(t, errors.Is(st.Err, ErrTruncatedRead))
}

func TestMachONestedFat(t *testing.T) {
	inner := newFat([]uint32{0x01000007}, newMachO64().bytes())
	res := AnalyzeMachO(newFat([]uint32{0x01000007}, inner))
	st := requireStage(t, res, "header", models.StageFailed)
	assert.True(t, errors.Is(st.Err, ErrSignatureMismatch))
}

func TestDecodeDeterministic(t *testing.T) {
	inputs := [][]byte{
		newPE(false).bytes(),
		elfWithSections(),
		elfWithProgramsOnly(),
		newMachO64().bytes(),
		newFat([]uint32{0x01000007}, newMachO64().bytes()),
	}
	for _, p := range inputs {
		a, err := Analyze(p)
		require.NoError(t, err)
		b, err := Analyze(p)
		require.NoError(t, err)
		assert.Equal(t, a, b)

		ja, err := json.Marshal(a)
		require.NoError(t, err)
		jb, err := json.Marshal(b)
		require.NoError(t, err)
		assert.Equal(t, string(ja), string(jb))
	}
}
