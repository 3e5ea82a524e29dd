package models

// Limits caps every table walk. Counts read from a file are never trusted
// to size a loop or an allocation on their own.
type Limits struct {
	Sections          int `mapstructure:"sections"`
	MachOSections     int `mapstructure:"macho_sections"`
	Symbols           int `mapstructure:"symbols"`
	Exports           int `mapstructure:"exports"`
	ImportDescriptors int `mapstructure:"import_descriptors"`
	Thunks            int `mapstructure:"thunks"`
	DynamicEntries    int `mapstructure:"dynamic_entries"`
	DynamicSymbols    int `mapstructure:"dynamic_symbols"`
	ProgramHeaders    int `mapstructure:"program_headers"`
	LoadCommands      int `mapstructure:"load_commands"`
	FatArches         int `mapstructure:"fat_arches"`
	StringMax         int `mapstructure:"string_max"`
}

var DefaultLimits = Limits{
	Sections:          200,
	MachOSections:     400,
	Symbols:           400,
	Exports:           400,
	ImportDescriptors: 64,
	Thunks:            512,
	DynamicEntries:    2000,
	DynamicSymbols:    800,
	ProgramHeaders:    256,
	LoadCommands:      4096,
	FatArches:         32,
	StringMax:         256,
}

// Fill replaces unset (non-positive) limits with defaults.
func (l Limits) Fill() Limits {
	fill := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	d := DefaultLimits
	fill(&l.Sections, d.Sections)
	fill(&l.MachOSections, d.MachOSections)
	fill(&l.Symbols, d.Symbols)
	fill(&l.Exports, d.Exports)
	fill(&l.ImportDescriptors, d.ImportDescriptors)
	fill(&l.Thunks, d.Thunks)
	fill(&l.DynamicEntries, d.DynamicEntries)
	fill(&l.DynamicSymbols, d.DynamicSymbols)
	fill(&l.ProgramHeaders, d.ProgramHeaders)
	fill(&l.LoadCommands, d.LoadCommands)
	fill(&l.FatArches, d.FatArches)
	fill(&l.StringMax, d.StringMax)
	return l
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Limits    Limits    `mapstructure:"limits"`
	Workers   int       `mapstructure:"workers"`
	Format    string    `mapstructure:"format"`
	AllSlices bool      `mapstructure:"all_slices"`
	Color     bool      `mapstructure:"color"`
	Verbose   bool      `mapstructure:"verbose"`
	Log       LogConfig `mapstructure:"log"`
}
