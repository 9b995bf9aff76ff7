package swcache

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// byteUnits is ordered so that longer suffixes are tried first.
var byteUnits = []struct {
	suffix string
	mult   float64
}{
	{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30},
	{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	{"b", 1},
}

// parseBytes reads storage.ram.max style sizes: a plain byte count or a
// number with a binary unit ("64m", "1.5MiB", "512kb"). Zero disables the
// limit it configures.
func parseBytes(s string) (int64, error) {
	in := s
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1.0
	for _, u := range byteUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			s, mult = strings.TrimSpace(num), u.mult
			break
		}
	}
	if s == "" {
		return 0, errors.Errorf("invalid size %q", in)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Errorf("invalid size %q", in)
	}
	if v < 0 {
		return 0, errors.Errorf("negative size %q", in)
	}
	n := v * mult
	if n >= math.MaxInt64 {
		return 0, errors.Errorf("size %q overflows", in)
	}
	return int64(n), nil
}
