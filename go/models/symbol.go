package models

import "fmt"

type Symbol struct {
	Name string `json:"name"`
	// Type is a classification such as "EXPORT", "IMPORT", "GLOBAL/FUNC",
	// "EXT/SECT" or "COFF/EXTERNAL".
	Type string `json:"type"`
	// Address is usually hex, but may be a tag like "fwd:NTDLL.RtlAlloc" or "IAT".
	Address string `json:"address"`
	Size    uint64 `json:"size,omitempty"`
}

// HexAddr formats addr the way symbol addresses are reported.
func HexAddr(addr uint64) string {
	return fmt.Sprintf("0x%X", addr)
}
