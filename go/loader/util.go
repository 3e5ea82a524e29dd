package loader

import (
	"fmt"
	"strings"
)

func getMagic(p []byte) []byte {
	if len(p) < 4 {
		return nil
	}
	return p[:4]
}

// hexName renders an unknown enum value the way tables print it.
func hexName(v uint64) string {
	return fmt.Sprintf("0x%X", v)
}

// flagString collects the letters whose bit is set in v, or "-" for none.
func flagString(v uint64, bits []uint64, letters string) string {
	var b strings.Builder
	for i, bit := range bits {
		if v&bit != 0 {
			b.WriteByte(letters[i])
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

func lookup(names map[uint64]string, v uint64) string {
	if name, ok := names[v]; ok {
		return name
	}
	return hexName(v)
}
