package loader

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lunixbochs/binscope/go/models"
)

const (
	peMagic32 = 0x10b
	peMagic64 = 0x20b

	peSectionSize    = 40
	peSymbolSize     = 18
	peImportDescSize = 20

	peDirExport = 0
	peDirImport = 1

	// Used when the export directory declares no size.
	peDefaultExportSpan = 0x1000

	peTimeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"
)

var peSignature = []byte("PE\x00\x00")

var peMachineArch = map[uint64]string{
	pe.IMAGE_FILE_MACHINE_I386:  "x86",
	pe.IMAGE_FILE_MACHINE_AMD64: "x64",
	pe.IMAGE_FILE_MACHINE_ARM:   "ARM",
	pe.IMAGE_FILE_MACHINE_ARMNT: "ARM",
	pe.IMAGE_FILE_MACHINE_THUMB: "ARM",
	pe.IMAGE_FILE_MACHINE_ARM64: "AArch64",
	pe.IMAGE_FILE_MACHINE_IA64:  "IA64",
	pe.IMAGE_FILE_MACHINE_EBC:   "EBC",
}

var peSubsystems = map[uint64]string{
	pe.IMAGE_SUBSYSTEM_UNKNOWN:                  "Unknown",
	pe.IMAGE_SUBSYSTEM_NATIVE:                   "Native",
	pe.IMAGE_SUBSYSTEM_WINDOWS_GUI:              "Windows GUI",
	pe.IMAGE_SUBSYSTEM_WINDOWS_CUI:              "Windows Console",
	pe.IMAGE_SUBSYSTEM_OS2_CUI:                  "OS/2 Console",
	pe.IMAGE_SUBSYSTEM_POSIX_CUI:                "POSIX Console",
	pe.IMAGE_SUBSYSTEM_NATIVE_WINDOWS:           "Native Win9x Driver",
	pe.IMAGE_SUBSYSTEM_WINDOWS_CE_GUI:           "Windows CE GUI",
	pe.IMAGE_SUBSYSTEM_EFI_APPLICATION:          "EFI Application",
	pe.IMAGE_SUBSYSTEM_EFI_BOOT_SERVICE_DRIVER:  "EFI Boot Service Driver",
	pe.IMAGE_SUBSYSTEM_EFI_RUNTIME_DRIVER:       "EFI Runtime Driver",
	pe.IMAGE_SUBSYSTEM_EFI_ROM:                  "EFI ROM",
	pe.IMAGE_SUBSYSTEM_XBOX:                     "Xbox",
	pe.IMAGE_SUBSYSTEM_WINDOWS_BOOT_APPLICATION: "Windows Boot Application",
}

var peCharacteristics = []struct {
	bit  uint16
	name string
}{
	{pe.IMAGE_FILE_EXECUTABLE_IMAGE, "EXECUTABLE_IMAGE"},
	{pe.IMAGE_FILE_DLL, "DLL"},
	{pe.IMAGE_FILE_SYSTEM, "SYSTEM"},
	{pe.IMAGE_FILE_LARGE_ADDRESS_AWARE, "LARGE_ADDRESS_AWARE"},
	{pe.IMAGE_FILE_32BIT_MACHINE, "32BIT_MACHINE"},
	{pe.IMAGE_FILE_RELOCS_STRIPPED, "RELOCS_STRIPPED"},
	{pe.IMAGE_FILE_DEBUG_STRIPPED, "DEBUG_STRIPPED"},
}

var coffStorageClasses = map[uint64]string{
	0:   "NULL",
	1:   "AUTOMATIC",
	2:   "EXTERNAL",
	3:   "STATIC",
	4:   "REGISTER",
	5:   "EXTERNAL_DEF",
	6:   "LABEL",
	7:   "UNDEFINED_LABEL",
	8:   "MEMBER_OF_STRUCT",
	9:   "ARGUMENT",
	10:  "STRUCT_TAG",
	13:  "TYPEDEF",
	18:  "BIT_FIELD",
	100: "BLOCK",
	101: "FUNCTION",
	102: "END_OF_STRUCT",
	103: "FILE",
	104: "SECTION",
	105: "WEAK_EXTERNAL",
	107: "CLR_TOKEN",
}

// peLayout holds the optional header offsets that move with the field width.
type peLayout struct {
	imageBase, numDirs, dataDirs uint64
}

var peLayouts = map[Width]peLayout{
	Width32: {imageBase: 28, numDirs: 92, dataDirs: 96},
	Width64: {imageBase: 24, numDirs: 108, dataDirs: 112},
}

type peExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

type peImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

func (d *peImportDescriptor) null() bool {
	return d.OriginalFirstThunk == 0 && d.Name == 0 && d.FirstThunk == 0
}

func MatchPE(p []byte) bool {
	return bytes.HasPrefix(p, []byte("MZ"))
}

type peDecoder struct {
	*LoaderBase
	r      *Reader
	w      Width
	lfanew uint64
	opt    uint64
	fh     pe.FileHeader
	dirs   []pe.DataDirectory
	spans  models.SpanIndex
}

// PE decodes a Windows Portable Executable. Only a missing or bad
// "PE\0\0" signature abandons the decode.
func (a *Analyzer) PE(p []byte) *models.Result {
	d := &peDecoder{
		LoaderBase: a.base("PE"),
		r:          NewReader(p, binary.LittleEndian),
		w:          Width32,
	}
	if !d.stage("header", d.header) {
		return d.abandon()
	}
	d.stage("optional header", d.optionalHeader)
	d.stage("sections", d.sections)
	d.stage("exports", d.exports)
	d.stage("coff symbols", d.coffSymbols)
	d.stage("imports", d.imports)
	return d.res
}

func (d *peDecoder) header() (int, error) {
	lfanew, err := d.r.U32(0x3c)
	if err != nil {
		return 0, errors.Wrap(err, "e_lfanew")
	}
	sig, err := d.r.Bytes(uint64(lfanew), 4)
	if err != nil || !bytes.Equal(sig, peSignature) {
		return 0, errors.Wrapf(ErrSignatureMismatch, "no PE signature at %#x", lfanew)
	}
	d.lfanew = uint64(lfanew)
	if err := d.r.Unpack(d.lfanew+4, &d.fh); err != nil {
		return 0, errors.Wrap(err, "COFF header")
	}
	d.opt = d.lfanew + 24

	d.set("Machine", strconv.FormatUint(uint64(d.fh.Machine), 16))
	d.set("Arch", lookup(peMachineArch, uint64(d.fh.Machine)))
	d.set("Endian", "Little")
	d.set("Compiled", time.Unix(int64(d.fh.TimeDateStamp), 0).UTC().Format(peTimeLayout))
	d.set("Characteristics", peCharacteristicNames(d.fh.Characteristics))
	return 1, nil
}

func peCharacteristicNames(v uint16) string {
	var names []string
	for _, c := range peCharacteristics {
		if v&c.bit != 0 {
			names = append(names, c.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%04X", v)
	}
	return strings.Join(names, " | ")
}

func (d *peDecoder) optionalHeader() (int, error) {
	if d.fh.SizeOfOptionalHeader == 0 {
		return 0, errAbsent
	}
	magic, err := d.r.U16(d.opt)
	if err != nil {
		return 0, err
	}
	if magic == peMagic64 {
		d.w = Width64
	}
	d.set("Bits", strconv.Itoa(d.w.Bits()))

	layout := peLayouts[d.w]
	entry, err := d.r.U32(d.opt + 16)
	if err != nil {
		return 1, err
	}
	d.set("Entry Point", models.HexAddr(uint64(entry)))
	base, err := d.r.Word(d.opt+layout.imageBase, d.w)
	if err != nil {
		return 2, err
	}
	d.set("Image Base", models.HexAddr(base))
	subsystem, err := d.r.U16(d.opt + 68)
	if err != nil {
		return 3, err
	}
	d.set("Subsystem", lookup(peSubsystems, uint64(subsystem)))

	numDirs, err := d.r.U32(d.opt + layout.numDirs)
	if err != nil {
		return 4, err
	}
	if numDirs > 16 {
		numDirs = 16
	}
	for i := uint64(0); i < uint64(numDirs); i++ {
		var dir pe.DataDirectory
		if err := d.r.Unpack(d.opt+layout.dataDirs+i*8, &dir); err != nil {
			return 5, errors.Wrapf(err, "data directory %d", i)
		}
		d.dirs = append(d.dirs, dir)
	}
	return 5, nil
}

func (d *peDecoder) dir(i int) (pe.DataDirectory, bool) {
	if i < len(d.dirs) && d.dirs[i].VirtualAddress != 0 {
		return d.dirs[i], true
	}
	return pe.DataDirectory{}, false
}

func (d *peDecoder) sections() (int, error) {
	table := d.opt + uint64(d.fh.SizeOfOptionalHeader)
	count := int(d.fh.NumberOfSections)
	if count > d.limits.Sections {
		count = d.limits.Sections
	}
	// spans are built from whatever was read, even on a short table
	defer func() {
		d.spans = models.NewSpanIndex(d.res.Sections, func(s *models.Section) bool {
			return s.Offset == 0
		})
	}()
	for i := 0; i < count; i++ {
		var sh pe.SectionHeader32
		if err := d.r.Unpack(table+uint64(i)*peSectionSize, &sh); err != nil {
			return i, errors.Wrapf(err, "section %d", i)
		}
		name := fixedString(sh.Name[:])
		if name == "" {
			name = fmt.Sprintf("SECTION_%d", i)
		}
		size, memSize := sh.SizeOfRawData, sh.VirtualSize
		if size == 0 {
			size = sh.VirtualSize
		}
		if memSize == 0 {
			memSize = sh.SizeOfRawData
		}
		d.addSection(models.Section{
			Name:    name,
			Kind:    peSectionKind(sh.Characteristics),
			Addr:    uint64(sh.VirtualAddress),
			Offset:  uint64(sh.PointerToRawData),
			Size:    uint64(size),
			Flags:   flagString(uint64(sh.Characteristics), []uint64{pe.IMAGE_SCN_MEM_EXECUTE, pe.IMAGE_SCN_MEM_READ, pe.IMAGE_SCN_MEM_WRITE}, "XRW"),
			MemSize: uint64(memSize),
		})
	}
	return count, nil
}

func peSectionKind(ch uint32) string {
	switch {
	case ch&pe.IMAGE_SCN_CNT_CODE != 0:
		return "CODE"
	case ch&pe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0:
		return "DATA"
	case ch&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0:
		return "BSS"
	}
	return "SECTION"
}

// stringAt reads a NUL-terminated string at an RVA.
func (d *peDecoder) stringAt(rva uint32) (string, bool) {
	off, ok := d.spans.Offset(uint64(rva))
	if !ok {
		return "", false
	}
	s, err := d.r.CString(off, d.limits.StringMax)
	return s, err == nil
}

func (d *peDecoder) resolve(rva uint32, what string) (uint64, error) {
	off, ok := d.spans.Offset(uint64(rva))
	if !ok {
		return 0, errors.Wrapf(ErrMalformedTable, "%s rva %#x is outside every section", what, rva)
	}
	return off, nil
}

func (d *peDecoder) exports() (int, error) {
	dir, ok := d.dir(peDirExport)
	if !ok {
		return 0, errAbsent
	}
	off, err := d.resolve(dir.VirtualAddress, "export directory")
	if err != nil {
		return 0, err
	}
	var ed peExportDirectory
	if err := d.r.Unpack(off, &ed); err != nil {
		return 0, err
	}
	funcs, err := d.resolve(ed.AddressOfFunctions, "export address table")
	if err != nil {
		return 0, err
	}
	span := dir.Size
	if span == 0 {
		span = peDefaultExportSpan
	}
	fwdStart, fwdEnd := uint64(dir.VirtualAddress), uint64(dir.VirtualAddress)+uint64(span)

	n := 0
	add := func(name string, index uint32) error {
		if index >= ed.NumberOfFunctions {
			return nil
		}
		rva, err := d.r.U32(funcs + uint64(index)*4)
		if err != nil {
			return err
		}
		addr := models.HexAddr(uint64(rva))
		if uint64(rva) >= fwdStart && uint64(rva) < fwdEnd {
			if fwd, ok := d.stringAt(rva); ok && fwd != "" {
				addr = "fwd:" + fwd
			}
		}
		if name == "" {
			name = fmt.Sprintf("ord_%d", uint64(ed.Base)+uint64(index))
		}
		d.addSymbol(models.Symbol{Name: name, Type: "EXPORT", Address: addr})
		n++
		return nil
	}

	names, namesOK := d.spans.Offset(uint64(ed.AddressOfNames))
	ords, ordsOK := d.spans.Offset(uint64(ed.AddressOfNameOrdinals))
	if ed.NumberOfNames > 0 && namesOK && ordsOK {
		count := uint64(ed.NumberOfNames)
		if count > uint64(d.limits.Exports) {
			count = uint64(d.limits.Exports)
		}
		for i := uint64(0); i < count; i++ {
			nameRVA, err := d.r.U32(names + i*4)
			if err != nil {
				return n, err
			}
			index, err := d.r.U16(ords + i*2)
			if err != nil {
				return n, err
			}
			name, _ := d.stringAt(nameRVA)
			if err := add(name, uint32(index)); err != nil {
				return n, err
			}
		}
		return n, nil
	}
	count := ed.NumberOfFunctions
	if count > uint32(d.limits.Exports) {
		count = uint32(d.limits.Exports)
	}
	for i := uint32(0); i < count; i++ {
		if err := add("", i); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *peDecoder) coffSymbols() (int, error) {
	ptr, num := uint64(d.fh.PointerToSymbolTable), uint64(d.fh.NumberOfSymbols)
	if ptr == 0 || num == 0 {
		return 0, errAbsent
	}
	var tableErr error
	records := num
	if !d.r.InBounds(ptr, num*peSymbolSize) {
		tableErr = errors.Wrapf(ErrMalformedTable, "%d COFF symbols at %#x run past the end of the file", num, ptr)
		records = 0
		if ptr < d.r.Len() {
			records = (d.r.Len() - ptr) / peSymbolSize
		}
	}
	strtab := ptr + num*peSymbolSize
	hasStrtab := tableErr == nil

	n := 0
	for i := uint64(0); i < records && n < d.limits.Symbols; i++ {
		var sym pe.COFFSymbol
		if err := d.r.Unpack(ptr+i*peSymbolSize, &sym); err != nil {
			return n, err
		}
		var name string
		if binary.LittleEndian.Uint32(sym.Name[:4]) == 0 {
			if hasStrtab {
				name, _ = d.r.CString(strtab+uint64(binary.LittleEndian.Uint32(sym.Name[4:])), d.limits.StringMax)
			}
		} else {
			name = fixedString(sym.Name[:])
		}
		if name == "" {
			name = fmt.Sprintf("(sym %d)", i)
		}
		class, ok := coffStorageClasses[uint64(sym.StorageClass)]
		if !ok {
			class = strconv.Itoa(int(sym.StorageClass))
		}
		d.addSymbol(models.Symbol{
			Name:    name,
			Type:    "COFF/" + class,
			Address: models.HexAddr(uint64(sym.Value)),
		})
		n++
		i += uint64(sym.NumberOfAuxSymbols)
	}
	return n, tableErr
}

func (d *peDecoder) imports() (int, error) {
	dir, ok := d.dir(peDirImport)
	if !ok {
		return 0, errAbsent
	}
	off, err := d.resolve(dir.VirtualAddress, "import directory")
	if err != nil {
		return 0, err
	}
	ordinalFlag := uint64(1) << uint(d.w.Bits()-1)
	n := 0
	var walkErr error
	for i := 0; i < d.limits.ImportDescriptors; i++ {
		var desc peImportDescriptor
		if err := d.r.Unpack(off+uint64(i)*peImportDescSize, &desc); err != nil {
			return n, err
		}
		if desc.null() {
			break
		}
		dll, ok := d.stringAt(desc.Name)
		if !ok || dll == "" {
			dll = "Unknown"
		}
		thunkRVA := desc.OriginalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = desc.FirstThunk
		}
		thunks, ok := d.spans.Offset(uint64(thunkRVA))
		if !ok {
			continue
		}
		var names []string
		for j := 0; j < d.limits.Thunks; j++ {
			v, err := d.r.Word(thunks+uint64(j)*uint64(d.w), d.w)
			if err != nil {
				walkErr = errors.Wrapf(err, "thunks of %s", dll)
				break
			}
			if v == 0 {
				break
			}
			if v&ordinalFlag != 0 {
				ord := v & 0xffff
				names = append(names, fmt.Sprintf("Ordinal %d", ord))
				d.addSymbol(models.Symbol{Name: fmt.Sprintf("%s!ord_%d", dll, ord), Type: "IMPORT", Address: "IAT"})
				continue
			}
			hintOff, ok := d.spans.Offset(v & 0x7fffffff)
			if !ok {
				continue
			}
			hint, err := d.r.U16(hintOff)
			if err != nil {
				continue
			}
			name, err := d.r.CString(hintOff+2, d.limits.StringMax)
			if err != nil {
				continue
			}
			names = append(names, name)
			d.addSymbol(models.Symbol{
				Name:    dll + "!" + name,
				Type:    "IMPORT",
				Address: fmt.Sprintf("IAT(hint:%d)", hint),
			})
		}
		d.res.Imports.Add(dll, names...)
		n += len(names)
	}
	return n, walkErr
}
