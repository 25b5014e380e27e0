package alerts

import (
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
)

const (
	defaultFractionDigits = 6
	maxFractionDigits     = 9
)

var (
	specs    = newSpecs()
	patterns sync.Map // string -> *strftime.Strftime
)

// newSpecs adds %N, the fraction of the second, and %s, the Unix time, to
// the usual conversions.
func newSpecs() strftime.SpecificationSet {
	ss := strftime.NewSpecificationSet()
	_ = ss.Set('N', strftime.AppendFunc(func(b []byte, t time.Time) []byte {
		return appendFraction(b, t, defaultFractionDigits)
	}))
	_ = ss.Set('s', strftime.AppendFunc(func(b []byte, t time.Time) []byte {
		return strconv.AppendInt(b, t.Unix(), 10)
	}))
	return ss
}

// FormatTimestamp renders t with a strftime format. %N prints the fraction
// of the second; a width such as %3N picks the number of digits (6 by
// default, at most 9). A stretch of the format holding an unknown
// conversion is copied to the output as it is.
func FormatTimestamp(format string, t time.Time) string {
	var (
		out  []byte
		from int
	)
	for i := 0; i < len(format)-1; i++ {
		if format[i] != '%' {
			continue
		}
		if format[i+1] == '%' {
			i++
			continue
		}
		j := i + 1
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			j++
		}
		if j == i+1 || j == len(format) || format[j] != 'N' {
			continue
		}
		digits, _ := strconv.Atoi(format[i+1 : j])
		out = appendFormatted(out, format[from:i], t)
		out = appendFraction(out, t, digits)
		from = j + 1
		i = j
	}
	return string(appendFormatted(out, format[from:], t))
}

func appendFormatted(b []byte, pattern string, t time.Time) []byte {
	if pattern == "" {
		return b
	}
	var f *strftime.Strftime
	if v, ok := patterns.Load(pattern); ok {
		f = v.(*strftime.Strftime)
	} else {
		var err error
		f, err = strftime.New(pattern, strftime.WithSpecificationSet(specs))
		if err != nil {
			return append(b, pattern...)
		}
		patterns.Store(pattern, f)
	}
	return append(b, f.FormatString(t)...)
}

func appendFraction(b []byte, t time.Time, digits int) []byte {
	if digits <= 0 {
		digits = defaultFractionDigits
	}
	if digits > maxFractionDigits {
		digits = maxFractionDigits
	}
	frac := strconv.Itoa(t.Nanosecond() + 1e9)[1:]
	return append(b, frac[:digits]...)
}
