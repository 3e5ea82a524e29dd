package loader

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/blacktop/go-macho/types"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/lunixbochs/binscope/go/models"
)

const (
	machoMagicFat64 = 0xcafebabf

	machoImportDylibs  = "Linked Libraries (LC_LOAD_DYLIB)"
	machoImportSymbols = "Imported Symbols (Undefined)"

	nlistStab = 0xe0
	nlistType = 0x0e
	nlistExt  = 0x01
	nlistUndf = 0x0
)

var machoCpuMap = map[uint32]string{
	7:          "x86",
	0x01000007: "x86_64",
	12:         "ARM",
	0x0100000c: "ARM64",
	18:         "PowerPC",
	0x01000012: "PowerPC64",
}

var machoFileTypes = map[uint32]string{
	1:  "Relocatable Object",
	2:  "Executable",
	3:  "Fixed VM Library",
	4:  "Core",
	5:  "Preloaded Executable",
	6:  "Dynamic Library",
	7:  "Dynamic Linker",
	8:  "Bundle",
	9:  "Dynamic Library Stub",
	10: "DSYM",
	11: "Kernel Extension",
}

var machoSectionTypes = map[uint64]string{
	0x0:  "REGULAR",
	0x1:  "ZEROFILL",
	0x2:  "CSTRING_LITERALS",
	0x3:  "4BYTE_LITERALS",
	0x4:  "8BYTE_LITERALS",
	0x5:  "LITERAL_POINTERS",
	0x6:  "NON_LAZY_SYMBOL_POINTERS",
	0x7:  "LAZY_SYMBOL_POINTERS",
	0x8:  "SYMBOL_STUBS",
	0x9:  "MOD_INIT_FUNC_POINTERS",
	0xa:  "MOD_TERM_FUNC_POINTERS",
	0xb:  "COALESCED",
	0xc:  "GB_ZEROFILL",
	0xd:  "INTERPOSING",
	0xe:  "16BYTE_LITERALS",
	0xf:  "DTRACE_DOF",
	0x10: "LAZY_DYLIB_SYMBOL_POINTERS",
	0x11: "THREAD_LOCAL_REGULAR",
	0x12: "THREAD_LOCAL_ZEROFILL",
	0x13: "THREAD_LOCAL_VARIABLES",
	0x14: "THREAD_LOCAL_VARIABLE_POINTERS",
	0x15: "THREAD_LOCAL_INIT_FUNCTION_POINTERS",
}

var machoSymbolTypes = map[uint64]string{0x0: "UNDF", 0x2: "ABS", 0xe: "SECT", 0xc: "PBUD", 0xa: "INDR"}

var (
	machoProtBits    = []uint64{0x1, 0x2, 0x4}
	machoProtLetters = "RWX"
)

type machoHeader struct {
	Magic      uint32
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
}

type machoSegment32 struct {
	Cmd, CmdSize                      uint32
	Name                              [16]byte
	VMAddr, VMSize, FileOff, FileSize uint32
	MaxProt, InitProt, NSects, Flags  uint32
}

type machoSegment64 struct {
	Cmd, CmdSize                      uint32
	Name                              [16]byte
	VMAddr, VMSize, FileOff, FileSize uint64
	MaxProt, InitProt, NSects, Flags  uint32
}

type machoSection32 struct {
	Name, Segname                 [16]byte
	Addr, Size                    uint32
	Offset, Align, Reloff, Nreloc uint32
	Flags, Reserved1, Reserved2   uint32
}

type machoSection64 struct {
	Name, Segname                          [16]byte
	Addr, Size                             uint64
	Offset, Align, Reloff, Nreloc          uint32
	Flags, Reserved1, Reserved2, Reserved3 uint32
}

type machoSymtab struct {
	Cmd, CmdSize, SymOff, NSyms, StrOff, StrSize uint32
}

type nlist32 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint32
}

type nlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

type fatArch32 struct {
	CPUType, CPUSubtype, Offset, Size, Align uint32
}

type fatArch64 struct {
	CPUType, CPUSubtype uint32
	Offset, Size        uint64
	Align, Reserved     uint32
}

type fatArch struct {
	CPUType      uint32
	Offset, Size uint64
}

// machoSegment is the width-independent view of a segment command.
type machoSegment struct {
	Name                            string
	Addr, MemSize, Offset, FileSize uint64
	InitProt, NSects                uint32
}

// machoKind classifies a buffer by its first four bytes.
type machoKind int

const (
	machoUnknown machoKind = iota
	machoThin
	machoFat
)

func machoMagic(p []byte) (machoKind, binary.ByteOrder, Width) {
	magic := getMagic(p)
	if magic == nil {
		return machoUnknown, nil, 0
	}
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		switch v := order.Uint32(magic); v {
		case uint32(types.MagicFat):
			return machoFat, order, Width32
		case machoMagicFat64:
			return machoFat, order, Width64
		case uint32(types.Magic32):
			return machoThin, order, Width32
		case uint32(types.Magic64):
			return machoThin, order, Width64
		}
	}
	return machoUnknown, nil, 0
}

func MatchMachO(p []byte) bool {
	kind, _, _ := machoMagic(p)
	return kind != machoUnknown
}

func machoCpuName(cpu uint32) string {
	if name, ok := machoCpuMap[cpu]; ok {
		return name
	}
	return types.CPU(cpu).String()
}

// MachO decodes a thin or fat Mach-O image. A fat image reports its first
// slice, plus every slice in Result.Slices when AllSlices is set.
func (a *Analyzer) MachO(p []byte) *models.Result {
	return a.machO(NewReader(p, binary.BigEndian), 0)
}

func (a *Analyzer) machO(r *Reader, depth int) *models.Result {
	kind, order, w := machoMagic(r.buf)
	switch kind {
	case machoFat:
		if depth > 0 {
			return a.machoFailed(errors.Wrap(ErrSignatureMismatch, "fat header inside a fat slice"))
		}
		return a.fat(r.WithOrder(order), w)
	case machoThin:
		return a.thin(r.WithOrder(order), w)
	}
	return a.machoFailed(errors.Wrap(ErrSignatureMismatch, "no Mach-O magic"))
}

func (a *Analyzer) machoFailed(err error) *models.Result {
	l := a.base("Mach-O")
	l.stage("header", func() (int, error) { return 0, err })
	return l.abandon()
}

func (a *Analyzer) fat(r *Reader, w Width) *models.Result {
	l := a.base("Mach-O")
	var nfat uint32
	var arches []fatArch
	ok := l.stage("fat header", func() (int, error) {
		var err error
		if nfat, err = r.U32(4); err != nil {
			return 0, err
		}
		count := int(nfat)
		if count > l.limits.FatArches {
			count = l.limits.FatArches
		}
		for i := 0; i < count; i++ {
			var arch fatArch
			if w == Width64 {
				var fa fatArch64
				err = r.Unpack(8+uint64(i)*32, &fa)
				arch = fatArch{fa.CPUType, fa.Offset, fa.Size}
			} else {
				var fa fatArch32
				err = r.Unpack(8+uint64(i)*20, &fa)
				arch = fatArch{fa.CPUType, uint64(fa.Offset), uint64(fa.Size)}
			}
			if err != nil {
				return i, errors.Wrapf(err, "fat arch %d", i)
			}
			arches = append(arches, arch)
		}
		return count, nil
	})
	if !ok {
		return l.abandon()
	}

	res := models.NewResult("Mach-O")
	if len(arches) > 0 {
		res = a.fatSlice(r, arches[0])
	}
	res.Stages = append(l.res.Stages, res.Stages...)
	res.Header.Set("Mach-O", fmt.Sprintf("Fat binary (%d arch)", nfat))
	if len(arches) > 0 {
		names := make([]string, len(arches))
		for i, arch := range arches {
			names[i] = machoCpuName(arch.CPUType)
		}
		res.Header.Set("Architectures", strings.Join(names, ", "))
	}
	if a.AllSlices {
		for _, arch := range arches {
			res.Slices = append(res.Slices, a.fatSlice(r, arch))
		}
	}
	return res
}

// fatSlice decodes one architecture. Offsets inside a slice are relative
// to the slice, so it gets its own reader. A slice running past the end
// of the file is clamped.
func (a *Analyzer) fatSlice(r *Reader, arch fatArch) *models.Result {
	if arch.Offset >= r.Len() {
		return a.machoFailed(errors.Wrapf(ErrTruncatedRead, "slice at %#x is past the end of the file", arch.Offset))
	}
	size := arch.Size
	if rem := r.Len() - arch.Offset; size > rem || size == 0 {
		size = rem
	}
	sr, err := r.Slice(arch.Offset, size)
	if err != nil {
		return a.machoFailed(err)
	}
	return a.machO(sr, 1)
}

type machoDecoder struct {
	*LoaderBase
	r   *Reader
	w   Width
	hdr machoHeader

	segments []machoSegment
	symtab   *machoSymtab
}

func (a *Analyzer) thin(r *Reader, w Width) *models.Result {
	d := &machoDecoder{LoaderBase: a.base("Mach-O"), r: r, w: w}
	if !d.stage("header", d.header) {
		return d.abandon()
	}
	d.stage("load commands", d.loadCommands)
	d.stage("symbols", d.symbols)
	return d.res
}

func (d *machoDecoder) header() (int, error) {
	if err := d.r.Unpack(0, &d.hdr); err != nil {
		return 0, err
	}
	if d.w == Width64 && !d.r.InBounds(0, types.FileHeaderSize64) {
		return 0, errors.Wrap(ErrTruncatedRead, "64-bit mach header")
	}
	d.set("Mach-O", fmt.Sprintf("%d-bit", d.w.Bits()))
	d.set("Arch", machoCpuName(d.hdr.CPUType))
	if d.r.ByteOrder() == binary.LittleEndian {
		d.set("Endian", "Little")
	} else {
		d.set("Endian", "Big")
	}
	fileType, ok := machoFileTypes[d.hdr.FileType]
	if !ok {
		fileType = types.HeaderFileType(d.hdr.FileType).String()
	}
	d.set("File Type", fileType)
	d.set("Load Commands", strconv.FormatUint(uint64(d.hdr.NCmds), 10))
	d.set("Size of Commands", humanize.IBytes(uint64(d.hdr.SizeOfCmds)))
	d.set("Header Flags", hexName(uint64(d.hdr.Flags)))
	if d.hdr.CPUSubtype != 0 {
		d.set("CPU Subtype", strconv.FormatUint(uint64(d.hdr.CPUSubtype), 10))
	}
	return 1, nil
}

func (d *machoDecoder) headerSize() uint64 {
	if d.w == Width64 {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

// lcString reads the lc_str whose offset is stored at off+8 of a command.
func (d *machoDecoder) lcString(off uint64, cmdsize uint32) (string, error) {
	strOff, err := d.r.U32(off + 8)
	if err != nil {
		return "", err
	}
	if strOff >= cmdsize {
		return "", errors.Wrapf(ErrMalformedTable, "string offset %d outside command of %d bytes", strOff, cmdsize)
	}
	n := int(cmdsize - strOff)
	if n > d.limits.StringMax {
		n = d.limits.StringMax
	}
	return d.r.CString(off+uint64(strOff), n)
}

func (d *machoDecoder) loadCommands() (int, error) {
	count := int(d.hdr.NCmds)
	if count > d.limits.LoadCommands {
		count = d.limits.LoadCommands
	}
	var (
		walkErr              error
		walked               int
		mainOff, threadPC    uint64
		hasMain, hasThreadPC bool
		dylibs               []string
	)
	off := d.headerSize()
	for ; walked < count; walked++ {
		cmd, err := d.r.U32(off)
		if err != nil {
			walkErr = errors.Wrapf(err, "load command %d", walked)
			break
		}
		cmdsize, err := d.r.U32(off + 4)
		if err != nil {
			walkErr = errors.Wrapf(err, "load command %d", walked)
			break
		}
		if cmdsize < 8 || !d.r.InBounds(off, uint64(cmdsize)) {
			walkErr = errors.Wrapf(ErrMalformedTable, "load command %d has size %d at %#x", walked, cmdsize, off)
			break
		}
		switch types.LoadCmd(cmd) {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			if err := d.segment(off, cmdsize, types.LoadCmd(cmd) == types.LC_SEGMENT_64); err != nil {
				walkErr = err
			}
		case types.LC_SYMTAB:
			if cmdsize >= 24 {
				var st machoSymtab
				if err := d.r.Unpack(off, &st); err == nil {
					d.symtab = &st
				}
			}
		case types.LC_LOAD_DYLINKER:
			if name, err := d.lcString(off, cmdsize); err == nil && name != "" {
				d.set("Dynamic Linker", name)
			}
		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB:
			if name, err := d.lcString(off, cmdsize); err == nil && name != "" {
				dylibs = append(dylibs, name)
			}
		case types.LC_MAIN:
			if v, err := d.r.U64(off + 8); err == nil {
				mainOff, hasMain = v, true
			}
		case types.LC_UNIXTHREAD:
			if pc, err := d.threadPC(off, cmdsize); err == nil {
				threadPC, hasThreadPC = pc, true
			}
		}
		off += uint64(cmdsize)
		if walkErr != nil {
			walked++
			break
		}
	}

	d.res.Imports.Add(machoImportDylibs, dylibs...)
	switch {
	case hasMain:
		d.set("Entry Point", models.HexAddr(d.entryAddr(mainOff)))
	case hasThreadPC:
		d.set("Entry Point", models.HexAddr(threadPC))
	}
	return walked, walkErr
}

// threadPC pulls the program counter out of an x86 thread state.
func (d *machoDecoder) threadPC(off uint64, cmdsize uint32) (uint64, error) {
	var pcOff uint64
	switch machoCpuName(d.hdr.CPUType) {
	case "x86_64":
		pcOff = 144
	case "x86":
		pcOff = 56
	default:
		return 0, errors.Errorf("no thread state layout for %s", machoCpuName(d.hdr.CPUType))
	}
	if pcOff+uint64(d.w) > uint64(cmdsize) {
		return 0, errors.Wrap(ErrMalformedTable, "thread command too short")
	}
	return d.r.Word(off+pcOff, d.w)
}

// entryAddr maps an LC_MAIN file offset to a virtual address.
func (d *machoDecoder) entryAddr(entryoff uint64) uint64 {
	var segs []models.Section
	for _, seg := range d.segments {
		segs = append(segs, models.Section{Addr: seg.Addr, Offset: seg.Offset, Size: seg.FileSize})
		if seg.Name == "__TEXT" && seg.Offset == 0 {
			return seg.Addr + entryoff
		}
	}
	if addr, ok := models.NewSpanIndex(segs, nil).Addr(entryoff); ok {
		return addr
	}
	return entryoff
}

func (d *machoDecoder) segment(off uint64, cmdsize uint32, is64 bool) error {
	hdrSize, sectSize := uint64(56), uint64(68)
	if is64 {
		hdrSize, sectSize = 72, 80
	}
	if uint64(cmdsize) < hdrSize {
		return errors.Wrapf(ErrMalformedTable, "segment command at %#x has size %d", off, cmdsize)
	}
	var seg machoSegment
	if is64 {
		var s machoSegment64
		if err := d.r.Unpack(off, &s); err != nil {
			return err
		}
		seg = machoSegment{fixedString(s.Name[:]), s.VMAddr, s.VMSize, s.FileOff, s.FileSize, s.InitProt, s.NSects}
	} else {
		var s machoSegment32
		if err := d.r.Unpack(off, &s); err != nil {
			return err
		}
		seg = machoSegment{fixedString(s.Name[:]), uint64(s.VMAddr), uint64(s.VMSize), uint64(s.FileOff), uint64(s.FileSize), s.InitProt, s.NSects}
	}
	d.segments = append(d.segments, seg)
	flags := flagString(uint64(seg.InitProt), machoProtBits, machoProtLetters)

	if seg.NSects == 0 {
		if len(d.res.Sections) >= d.limits.MachOSections {
			return nil
		}
		name := seg.Name
		if name == "" {
			name = "SEGMENT"
		}
		size := seg.MemSize
		if size == 0 {
			size = seg.FileSize
		}
		d.addSection(models.Section{Name: name, Kind: "SEGMENT", Addr: seg.Addr, Offset: seg.Offset, Size: size, Flags: flags})
		return nil
	}

	nsects := uint64(seg.NSects)
	if fit := (uint64(cmdsize) - hdrSize) / sectSize; nsects > fit {
		nsects = fit
	}
	for i := uint64(0); i < nsects && len(d.res.Sections) < d.limits.MachOSections; i++ {
		sectOff := off + hdrSize + i*sectSize
		var s models.Section
		var flagsVal uint32
		if is64 {
			var sect machoSection64
			if err := d.r.Unpack(sectOff, &sect); err != nil {
				return err
			}
			s = models.Section{Name: fixedString(sect.Name[:]), Addr: sect.Addr, Offset: uint64(sect.Offset), Size: sect.Size}
			flagsVal = sect.Flags
		} else {
			var sect machoSection32
			if err := d.r.Unpack(sectOff, &sect); err != nil {
				return err
			}
			s = models.Section{Name: fixedString(sect.Name[:]), Addr: uint64(sect.Addr), Offset: uint64(sect.Offset), Size: uint64(sect.Size)}
			flagsVal = sect.Flags
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("SECTION_%d", i)
		}
		sectType := uint64(flagsVal & 0xff)
		if kind, ok := machoSectionTypes[sectType]; ok {
			s.Kind = kind
		} else {
			s.Kind = strings.ToUpper(strconv.FormatUint(sectType, 16))
		}
		s.Flags = flags
		d.addSection(s)
	}
	return nil
}

func (d *machoDecoder) readNlist(off uint64) (strx uint32, typ uint8, value uint64, err error) {
	if d.w == Width64 {
		var n nlist64
		err = d.r.Unpack(off, &n)
		return n.Strx, n.Type, n.Value, err
	}
	var n nlist32
	err = d.r.Unpack(off, &n)
	return n.Strx, n.Type, uint64(n.Value), err
}

func (d *machoDecoder) symbols() (int, error) {
	if d.symtab == nil {
		return 0, errAbsent
	}
	st := d.symtab
	entsize := uint64(12)
	if d.w == Width64 {
		entsize = 16
	}
	if !d.r.InBounds(uint64(st.SymOff), entsize) {
		return 0, errors.Wrapf(ErrMalformedTable, "symbol table at %#x is outside the file", st.SymOff)
	}
	var strtab *Reader
	if uint64(st.StrOff) < d.r.Len() {
		size := uint64(st.StrSize)
		if rem := d.r.Len() - uint64(st.StrOff); size > rem {
			size = rem
		}
		strtab, _ = d.r.Slice(uint64(st.StrOff), size)
	}

	count := uint64(st.NSyms)
	if count > uint64(d.limits.Symbols) {
		count = uint64(d.limits.Symbols)
	}
	n := 0
	var undef []string
	for i := uint64(0); i < count; i++ {
		strx, typ, value, err := d.readNlist(uint64(st.SymOff) + i*entsize)
		if err != nil {
			d.res.Imports.Add(machoImportSymbols, undef...)
			return n, errors.Wrapf(err, "symbol %d", i)
		}
		if typ&nlistStab != 0 {
			continue
		}
		var name string
		if strtab != nil {
			name, _ = strtab.CString(uint64(strx), d.limits.StringMax)
		}
		ext := typ&nlistExt != 0
		base := uint64(typ & nlistType)
		if ext && base == nlistUndf && name != "" {
			undef = append(undef, name)
		}
		if name == "" {
			name = fmt.Sprintf("(sym %d)", i)
		}
		scope := "LOCAL"
		if ext {
			scope = "EXT"
		}
		d.addSymbol(models.Symbol{
			Name:    name,
			Type:    scope + "/" + lookupNum(machoSymbolTypes, base),
			Address: models.HexAddr(value),
		})
		n++
	}
	d.res.Imports.Add(machoImportSymbols, undef...)
	return n, nil
}
