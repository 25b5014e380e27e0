// Package toml adds TOML text types used by the cibd configuration file.
package toml

import (
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for encoding toml.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Size represents a TOML parseable byte count. A value may carry one of
// the suffixes k, m or g (either case) for KiB, MiB and GiB.
type Size uint64

// UnmarshalText parses a byte size from text.
func (s *Size) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("size was empty")
	}

	var shift uint
	digits := string(text)
	last := rune(text[len(text)-1])
	if !unicode.IsDigit(last) {
		switch unicode.ToLower(last) {
		case 'k':
			shift = 10
		case 'm':
			shift = 20
		case 'g':
			shift = 30
		default:
			return fmt.Errorf("unknown size suffix: %c", last)
		}
		digits = digits[:len(digits)-1]
	}

	size, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return err
	}
	if shift > 0 && size > math.MaxUint64>>shift {
		return fmt.Errorf("size %s overflows", text)
	}
	*s = Size(size << shift)
	return nil
}

// MarshalText renders the size as a plain byte count.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(s), 10)), nil
}
