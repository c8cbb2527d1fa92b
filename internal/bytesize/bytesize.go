// Package bytesize parses and prints the byte quantities used in extentdb
// configuration: block, extent, cache and file sizes.
package bytesize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ByteSize is a byte count. In text form it accepts a plain number or a
// number with a binary (Ki, Mi, Gi, Ti, optionally with a trailing B) or
// decimal (K, M, G, T, optionally with B) suffix, case-insensitively.
// Fractions are allowed: "1.5Mi".
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000 * B
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
	TiB ByteSize = 1 << 40
)

// binary units from largest to smallest, for formatting
var binaryUnits = []struct {
	size   ByteSize
	suffix string
}{
	{TiB, "Ti"},
	{GiB, "Gi"},
	{MiB, "Mi"},
	{KiB, "Ki"},
}

func unitOf(suffix string) (ByteSize, bool) {
	s := strings.ToLower(suffix)
	if s == "" || s == "b" {
		return B, true
	}
	s = strings.TrimSuffix(s, "b")
	binary := strings.HasSuffix(s, "i")
	s = strings.TrimSuffix(s, "i")
	if len(s) != 1 {
		return 0, false
	}
	exp := strings.IndexByte("kmgt", s[0]) + 1
	if exp == 0 {
		return 0, false
	}
	if binary {
		return ByteSize(1) << (10 * exp), true
	}
	return ByteSize(math.Pow10(3 * exp)), true
}

// ParseByteSize parses s, e.g. "4096", "64Ki", "1.5GiB" or "100MB".
func ParseByteSize(s string) (ByteSize, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, errors.New("empty byte size")
	}

	i := 0
	for i < len(t) && (t[i] >= '0' && t[i] <= '9' || t[i] == '.') {
		i++
	}
	num, suffix := t[:i], strings.TrimSpace(t[i:])
	if num == "" {
		return 0, fmt.Errorf("invalid byte size %q: missing number", s)
	}
	unit, ok := unitOf(suffix)
	if !ok {
		return 0, fmt.Errorf("invalid byte size %q: unknown unit %q", s, suffix)
	}

	if !strings.Contains(num, ".") {
		n, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		if n > math.MaxUint64/uint64(unit) {
			return 0, fmt.Errorf("invalid byte size %q: overflows 64 bits", s)
		}
		return ByteSize(n) * unit, nil
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	v := f * float64(unit)
	if v >= math.MaxUint64 {
		return 0, fmt.Errorf("invalid byte size %q: overflows 64 bits", s)
	}
	return ByteSize(v), nil
}

// UnmarshalText lets viper and mapstructure decode sizes from strings.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText writes the Compact form, which always parses back exactly.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.Compact()), nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.Compact(), nil
}

// Compact returns the largest binary unit that divides b exactly ("64Mi"),
// or the plain byte count.
func (b ByteSize) Compact() string {
	if b == 0 {
		return "0"
	}
	for _, u := range binaryUnits {
		if b%u.size == 0 {
			return strconv.FormatUint(uint64(b/u.size), 10) + u.suffix
		}
	}
	return strconv.FormatUint(uint64(b), 10)
}

// String rounds to two decimals in the largest binary unit not above b.
func (b ByteSize) String() string {
	for _, u := range binaryUnits {
		if b >= u.size {
			return fmt.Sprintf("%.2f%sB", float64(b)/float64(u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%dB", uint64(b))
}

func (b ByteSize) Uint64() uint64 { return uint64(b) }

// Int64 converts for APIs that take signed sizes. Values above MaxInt64
// wrap.
func (b ByteSize) Int64() int64 { return int64(b) }
