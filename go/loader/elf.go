package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/binscope/go/models"
)

const (
	elfImportLibs    = "Shared Libraries (DT_NEEDED)"
	elfImportSymbols = "Imported Functions (Undefined Symbols)"
	truncatedMarker  = "... (truncated)"
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

var elfArchMap = map[elf.Machine]string{
	elf.EM_386:     "x86",
	elf.EM_X86_64:  "x64",
	elf.EM_ARM:     "ARM",
	elf.EM_AARCH64: "AArch64",
}

var elfSectionTypes = map[uint64]string{
	0:          "NULL",
	1:          "PROGBITS",
	2:          "SYMTAB",
	3:          "STRTAB",
	4:          "RELA",
	5:          "HASH",
	6:          "DYNAMIC",
	7:          "NOTE",
	8:          "NOBITS",
	9:          "REL",
	10:         "SHLIB",
	11:         "DYNSYM",
	14:         "INIT_ARRAY",
	15:         "FINI_ARRAY",
	16:         "PREINIT_ARRAY",
	17:         "GROUP",
	18:         "SYMTAB_SHNDX",
	19:         "NUM",
	0x6ffffff0: "GNU_ATTRIBUTES",
	0x6ffffff6: "GNU_HASH",
	0x6ffffffd: "VERDEF",
	0x6ffffffe: "VERNEED",
	0x6fffffff: "VERSYM",
}

var (
	elfFlagBits    = []uint64{0x1, 0x2, 0x4, 0x10, 0x20, 0x40, 0x80, 0x100, 0x200, 0x400, 0x800}
	elfFlagLetters = "WAXMSILOGTC"
)

var elfSymTypes = map[uint64]string{0: "NOTYPE", 1: "OBJECT", 2: "FUNC", 3: "SECTION", 4: "FILE", 5: "COMMON", 6: "TLS"}
var elfSymBinds = map[uint64]string{0: "LOCAL", 1: "GLOBAL", 2: "WEAK"}

// elfLayout holds the per-class record sizes.
type elfLayout struct {
	header, section, prog, sym, dyn uint64
}

var elfLayouts = map[Width]elfLayout{
	Width32: {header: 52, section: 40, prog: 32, sym: 16, dyn: 8},
	Width64: {header: 64, section: 64, prog: 56, sym: 24, dyn: 16},
}

// The class-independent views of the debug/elf record types.
type elfHeader struct {
	Type, Machine              uint16
	Entry, Phoff, Shoff        uint64
	Phentsize, Phnum           uint16
	Shentsize, Shnum, Shstrndx uint16
}

type elfSection struct {
	Name                   string
	nameOff                uint32
	Type                   uint32
	Flags, Addr, Off, Size uint64
	Link                   uint32
	Entsize                uint64
}

type elfProg struct {
	Type                      uint32
	Off, Vaddr, Filesz, Memsz uint64
}

type elfSym struct {
	Name        uint32
	Info        uint8
	Shndx       uint16
	Value, Size uint64
}

func (s *elfSym) bind() uint64 { return uint64(s.Info >> 4) }

func (s *elfSym) kind() string {
	return lookupNum(elfSymBinds, s.bind()) + "/" + lookupNum(elfSymTypes, uint64(s.Info&0xf))
}

func lookupNum(names map[uint64]string, v uint64) string {
	if name, ok := names[v]; ok {
		return name
	}
	return strconv.FormatUint(v, 10)
}

func MatchElf(p []byte) bool {
	return bytes.Equal(getMagic(p), elfMagic)
}

type elfDecoder struct {
	*LoaderBase
	r      *Reader
	w      Width
	layout elfLayout
	hdr    elfHeader
	progs  []elfProg
	shdrs  []elfSection
	loads  models.SpanIndex

	dynsymWalked bool
}

// Elf decodes an ELF image of either class and byte order.
func (a *Analyzer) Elf(p []byte) *models.Result {
	d := &elfDecoder{
		LoaderBase: a.base("ELF"),
		r:          NewReader(p, binary.LittleEndian),
	}
	if !d.stage("header", d.header) {
		return d.abandon()
	}
	d.stage("program headers", d.programs)
	d.stage("sections", d.sections)
	d.stage("symbols", d.symbols)
	d.stage("dynamic", d.dynamic)
	return d.res
}

func (d *elfDecoder) header() (int, error) {
	ident, err := d.r.Bytes(0, elf.EI_NIDENT)
	if err != nil || !bytes.Equal(ident[:4], elfMagic) {
		return 0, errors.Wrap(ErrSignatureMismatch, "no ELF magic")
	}
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		d.w = Width32
	case elf.ELFCLASS64:
		d.w = Width64
	default:
		return 0, errors.Wrapf(ErrSignatureMismatch, "bad ELF class %d", ident[elf.EI_CLASS])
	}
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		d.r = d.r.WithOrder(binary.LittleEndian)
	case elf.ELFDATA2MSB:
		d.r = d.r.WithOrder(binary.BigEndian)
	default:
		return 0, errors.Wrapf(ErrSignatureMismatch, "bad ELF data encoding %d", ident[elf.EI_DATA])
	}
	d.layout = elfLayouts[d.w]

	if d.w == Width64 {
		var h elf.Header64
		if err := d.r.Unpack(0, &h); err != nil {
			return 0, err
		}
		d.hdr = elfHeader{h.Type, h.Machine, h.Entry, h.Phoff, h.Shoff, h.Phentsize, h.Phnum, h.Shentsize, h.Shnum, h.Shstrndx}
	} else {
		var h elf.Header32
		if err := d.r.Unpack(0, &h); err != nil {
			return 0, err
		}
		d.hdr = elfHeader{h.Type, h.Machine, uint64(h.Entry), uint64(h.Phoff), uint64(h.Shoff), h.Phentsize, h.Phnum, h.Shentsize, h.Shnum, h.Shstrndx}
	}

	machine := elf.Machine(d.hdr.Machine)
	arch, ok := elfArchMap[machine]
	if !ok {
		arch = strconv.FormatUint(uint64(d.hdr.Machine), 16)
	}
	d.set("Arch", arch)
	d.set("Class", fmt.Sprintf("%d-bit", d.w.Bits()))
	if d.r.ByteOrder() == binary.LittleEndian {
		d.set("Endian", "Little")
	} else {
		d.set("Endian", "Big")
	}
	d.set("Type", elf.Type(d.hdr.Type).String())
	d.set("Machine", machine.String())
	d.set("OS/ABI", elf.OSABI(ident[elf.EI_OSABI]).String())
	d.set("Entry Point", models.HexAddr(d.hdr.Entry))
	return 1, nil
}

// table validates a header-declared record table and returns how many
// records to read.
func (d *elfDecoder) table(what string, entsize, count uint16, minSize uint64, limit int) (int, error) {
	if uint64(entsize) < minSize {
		return 0, errors.Wrapf(ErrMalformedTable, "%s entry size %d is smaller than %d", what, entsize, minSize)
	}
	n := int(count)
	if n > limit {
		n = limit
	}
	return n, nil
}

func (d *elfDecoder) readProg(off uint64) (elfProg, error) {
	if d.w == Width64 {
		var p elf.Prog64
		err := d.r.Unpack(off, &p)
		return elfProg{p.Type, p.Off, p.Vaddr, p.Filesz, p.Memsz}, err
	}
	var p elf.Prog32
	err := d.r.Unpack(off, &p)
	return elfProg{p.Type, uint64(p.Off), uint64(p.Vaddr), uint64(p.Filesz), uint64(p.Memsz)}, err
}

func (d *elfDecoder) programs() (int, error) {
	if d.hdr.Phoff == 0 || d.hdr.Phnum == 0 {
		return 0, errAbsent
	}
	count, err := d.table("program header", d.hdr.Phentsize, d.hdr.Phnum, d.layout.prog, d.limits.ProgramHeaders)
	if err != nil {
		return 0, err
	}
	var loads []models.Section
	defer func() {
		d.loads = models.NewSpanIndex(loads, nil)
	}()
	for i := 0; i < count; i++ {
		prog, err := d.readProg(d.hdr.Phoff + uint64(i)*uint64(d.hdr.Phentsize))
		if err != nil {
			return i, errors.Wrapf(err, "program header %d", i)
		}
		d.progs = append(d.progs, prog)
		switch elf.ProgType(prog.Type) {
		case elf.PT_LOAD:
			loads = append(loads, models.Section{Addr: prog.Vaddr, Offset: prog.Off, Size: prog.Filesz, MemSize: prog.Memsz})
		case elf.PT_INTERP:
			size := d.limits.StringMax
			if prog.Filesz < uint64(size) {
				size = int(prog.Filesz)
			}
			if interp, err := d.r.CString(prog.Off, size); err == nil && interp != "" {
				d.set("Interpreter", interp)
			}
		}
	}
	return count, nil
}

func (d *elfDecoder) readSection(off uint64) (elfSection, error) {
	if d.w == Width64 {
		var s elf.Section64
		err := d.r.Unpack(off, &s)
		return elfSection{nameOff: s.Name, Type: s.Type, Flags: s.Flags, Addr: s.Addr, Off: s.Off, Size: s.Size, Link: s.Link, Entsize: s.Entsize}, err
	}
	var s elf.Section32
	err := d.r.Unpack(off, &s)
	return elfSection{
		nameOff: s.Name,
		Type:    s.Type,
		Flags:   uint64(s.Flags),
		Addr:    uint64(s.Addr),
		Off:     uint64(s.Off),
		Size:    uint64(s.Size),
		Link:    s.Link,
		Entsize: uint64(s.Entsize),
	}, err
}

func (d *elfDecoder) sections() (int, error) {
	if d.hdr.Shoff == 0 || d.hdr.Shnum == 0 {
		return 0, errAbsent
	}
	count, err := d.table("section header", d.hdr.Shentsize, d.hdr.Shnum, d.layout.section, d.limits.Sections)
	if err != nil {
		return 0, err
	}
	var walkErr error
	for i := 0; i < count; i++ {
		sh, err := d.readSection(d.hdr.Shoff + uint64(i)*uint64(d.hdr.Shentsize))
		if err != nil {
			walkErr = errors.Wrapf(err, "section header %d", i)
			break
		}
		d.shdrs = append(d.shdrs, sh)
	}
	if len(d.shdrs) == 0 {
		return 0, walkErr
	}

	// names degrade to placeholders when the string table is unusable
	var strtab *elfSection
	if idx := int(d.hdr.Shstrndx); idx != int(elf.SHN_UNDEF) && idx < len(d.shdrs) && d.shdrs[idx].Type != uint32(elf.SHT_NULL) {
		strtab = &d.shdrs[idx]
	}
	for i := range d.shdrs {
		sh := &d.shdrs[i]
		if strtab != nil {
			sh.Name = d.tableString(strtab, uint64(sh.nameOff))
		}
		name := sh.Name
		if name == "" {
			name = fmt.Sprintf("SECTION_%d", i)
		}
		kind, ok := elfSectionTypes[uint64(sh.Type)]
		if !ok {
			kind = strings.ToUpper(strconv.FormatUint(uint64(sh.Type), 16))
		}
		d.addSection(models.Section{
			Name:   name,
			Kind:   kind,
			Addr:   sh.Addr,
			Offset: sh.Off,
			Size:   sh.Size,
			Flags:  flagString(sh.Flags, elfFlagBits, elfFlagLetters),
		})
	}
	return len(d.shdrs), walkErr
}

// tableString reads a string at off inside a string table section.
func (d *elfDecoder) tableString(tab *elfSection, off uint64) string {
	if off >= tab.Size {
		return ""
	}
	n := d.limits.StringMax
	if rem := tab.Size - off; rem < uint64(n) {
		n = int(rem)
	}
	s, _ := d.r.CString(tab.Off+off, n)
	return s
}

func (d *elfDecoder) readSym(off uint64) (elfSym, error) {
	if d.w == Width64 {
		var s elf.Sym64
		err := d.r.Unpack(off, &s)
		return elfSym{s.Name, s.Info, s.Shndx, s.Value, s.Size}, err
	}
	var s elf.Sym32
	err := d.r.Unpack(off, &s)
	return elfSym{s.Name, s.Info, s.Shndx, uint64(s.Value), uint64(s.Size)}, err
}

func (d *elfDecoder) symbols() (int, error) {
	n, found := 0, false
	var merr error
	for i := range d.shdrs {
		sh := &d.shdrs[i]
		if sh.Type != uint32(elf.SHT_SYMTAB) && sh.Type != uint32(elf.SHT_DYNSYM) {
			continue
		}
		found = true
		added, err := d.symbolTable(sh)
		n += added
		if err != nil && merr == nil {
			merr = errors.Wrapf(err, "symbol table %s", sh.Name)
		}
		if sh.Type == uint32(elf.SHT_DYNSYM) {
			d.dynsymWalked = true
		}
	}
	if !found {
		return 0, errAbsent
	}
	return n, merr
}

func (d *elfDecoder) symbolTable(sh *elfSection) (int, error) {
	entsize := sh.Entsize
	if entsize == 0 {
		entsize = d.layout.sym
	}
	if entsize < d.layout.sym {
		return 0, errors.Wrapf(ErrMalformedTable, "symbol entry size %d", entsize)
	}
	var strtab *elfSection
	if int(sh.Link) < len(d.shdrs) {
		strtab = &d.shdrs[sh.Link]
	}
	count := sh.Size / entsize
	if count > uint64(d.limits.Symbols) {
		count = uint64(d.limits.Symbols)
	}
	for i := uint64(0); i < count; i++ {
		sym, err := d.readSym(sh.Off + i*entsize)
		if err != nil {
			return int(i), err
		}
		var name string
		if strtab != nil {
			name = d.tableString(strtab, uint64(sym.Name))
		}
		if name == "" {
			name = fmt.Sprintf("(sym %d)", i)
		}
		d.addSymbol(models.Symbol{
			Name:    name,
			Type:    sym.kind(),
			Address: models.HexAddr(sym.Value),
			Size:    sym.Size,
		})
	}
	return int(count), nil
}

// dynamicInfo collects what the dynamic table and its neighbours describe.
type dynamicInfo struct {
	off, size       uint64
	strOff          uint64
	hasStr          bool
	symOff, symSize uint64
	hasSym          bool
	syment          uint64
	strAddr         uint64
	symAddr         uint64
	hashAddr        uint64
	needed          []uint64
}

func (d *elfDecoder) findDynamic() (*dynamicInfo, bool) {
	info := &dynamicInfo{syment: d.layout.sym}
	var dynamic, dynsym, dynstr *elfSection
	for i := range d.shdrs {
		sh := &d.shdrs[i]
		switch sh.Name {
		case ".dynamic":
			dynamic = sh
		case ".dynsym":
			dynsym = sh
		case ".dynstr":
			dynstr = sh
		}
	}
	for i := range d.shdrs {
		sh := &d.shdrs[i]
		if dynamic == nil && sh.Type == uint32(elf.SHT_DYNAMIC) {
			dynamic = sh
		}
		if dynsym == nil && sh.Type == uint32(elf.SHT_DYNSYM) {
			dynsym = sh
		}
	}
	if dynstr == nil && dynsym != nil && int(dynsym.Link) < len(d.shdrs) {
		dynstr = &d.shdrs[dynsym.Link]
	}
	if dynsym != nil {
		info.symOff, info.symSize, info.hasSym = dynsym.Off, dynsym.Size, true
		if dynsym.Entsize >= d.layout.sym {
			info.syment = dynsym.Entsize
		}
	}
	if dynstr != nil {
		info.strOff, info.hasStr = dynstr.Off, true
	}
	if dynamic != nil && dynamic.Size > 0 {
		info.off, info.size = dynamic.Off, dynamic.Size
		return info, true
	}
	for _, prog := range d.progs {
		if elf.ProgType(prog.Type) == elf.PT_DYNAMIC && prog.Filesz > 0 {
			info.off, info.size = prog.Off, prog.Filesz
			return info, true
		}
	}
	return nil, false
}

func (d *elfDecoder) readDyn(off uint64) (tag int64, val uint64, err error) {
	if d.w == Width64 {
		var dyn elf.Dyn64
		err = d.r.Unpack(off, &dyn)
		return dyn.Tag, dyn.Val, err
	}
	var dyn elf.Dyn32
	err = d.r.Unpack(off, &dyn)
	return int64(dyn.Tag), uint64(dyn.Val), err
}

func (d *elfDecoder) dynamic() (int, error) {
	info, ok := d.findDynamic()
	if !ok {
		return 0, errAbsent
	}
	var walkErr error
walk:
	for i := 0; i < d.limits.DynamicEntries; i++ {
		rel := uint64(i) * d.layout.dyn
		if rel >= info.size {
			break
		}
		tag, val, err := d.readDyn(info.off + rel)
		if err != nil {
			walkErr = errors.Wrapf(err, "dynamic entry %d", i)
			break
		}
		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			break walk
		case elf.DT_NEEDED:
			info.needed = append(info.needed, val)
		case elf.DT_STRTAB:
			info.strAddr = val
		case elf.DT_SYMTAB:
			info.symAddr = val
		case elf.DT_HASH:
			info.hashAddr = val
		case elf.DT_SYMENT:
			if val >= d.layout.sym {
				info.syment = val
			}
		}
	}

	if !info.hasStr && info.strAddr != 0 {
		info.strOff, info.hasStr = d.loads.Offset(info.strAddr)
	}
	if !info.hasSym && info.symAddr != 0 {
		info.symOff, info.hasSym = d.loads.Offset(info.symAddr)
		info.symSize = 0
	}
	if info.hasSym && info.symSize == 0 && info.hashAddr != 0 {
		if hashOff, ok := d.loads.Offset(info.hashAddr); ok {
			if nchain, err := d.r.U32(hashOff + 4); err == nil {
				info.symSize = uint64(nchain) * info.syment
			}
		}
	}
	if !info.hasStr || info.strOff >= d.r.Len() {
		return 0, walkErr
	}

	var libs []string
	for _, off := range info.needed {
		if lib, err := d.r.CString(info.strOff+off, d.limits.StringMax); err == nil && lib != "" {
			libs = append(libs, lib)
		}
	}
	d.res.Imports.Add(elfImportLibs, libs...)

	var undef []string
	if info.hasSym && info.symOff < d.r.Len() {
		undef = d.dynamicSymbols(info)
	}
	d.res.Imports.Add(elfImportSymbols, undef...)
	return len(libs) + len(undef), walkErr
}

// dynamicSymbols walks the dynamic symbol table, skipping the null entry,
// and returns the undefined GLOBAL/WEAK names. Hitting the walk limit on a
// table of unknown size appends truncatedMarker.
func (d *elfDecoder) dynamicSymbols(info *dynamicInfo) []string {
	var undef []string
	walked := 0
	for i := uint64(1); ; i++ {
		rel := i * info.syment
		if info.symSize > 0 && rel >= info.symSize {
			break
		}
		if walked >= d.limits.DynamicSymbols {
			if info.symSize == 0 {
				undef = append(undef, truncatedMarker)
			}
			break
		}
		sym, err := d.readSym(info.symOff + rel)
		if err != nil {
			break
		}
		walked++
		name := ""
		if sym.Name != 0 {
			name, _ = d.r.CString(info.strOff+uint64(sym.Name), d.limits.StringMax)
		}
		bind := elf.SymBind(sym.bind())
		if sym.Shndx == uint16(elf.SHN_UNDEF) && name != "" && (bind == elf.STB_GLOBAL || bind == elf.STB_WEAK) {
			undef = append(undef, name)
		}
		if !d.dynsymWalked {
			if name == "" {
				name = fmt.Sprintf("(sym %d)", i)
			}
			d.addSymbol(models.Symbol{
				Name:    name,
				Type:    sym.kind(),
				Address: models.HexAddr(sym.Value),
				Size:    sym.Size,
			})
		}
	}
	return undef
}
