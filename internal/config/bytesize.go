package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"KIB", 1 << 10},
	{"MIB", 1 << 20},
	{"GIB", 1 << 30},
	{"KB", 1e3},
	{"MB", 1e6},
	{"GB", 1e9},
}

// ParseByteSize accepts plain byte counts, hex ("0x7C00000") and
// decimal or binary unit suffixes ("100MB", "124MiB").
func ParseByteSize(s string) (int64, error) {
	v := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	for _, u := range byteUnits {
		if num, ok := strings.CutSuffix(v, u.suffix); ok {
			v, mult = strings.TrimSpace(num), u.mult
			break
		}
	}

	base := 10
	if hex, ok := strings.CutPrefix(v, "0X"); ok {
		v, base = hex, 16
	}
	n, err := strconv.ParseUint(v, base, 63)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > uint64(math.MaxInt64/mult) {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return int64(n) * mult, nil
}
