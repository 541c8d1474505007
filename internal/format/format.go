// Package format форматирует цены, объемы и время для отображения.
package format

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Макеты времени
const (
	DateTimeLayout = "2006-01-02 15:04:05"
	TimeLayout     = "15:04:05"
)

// Number форматирует число с разделителями тысяч и digits знаками после точки
func Number(v float64, digits int) string {
	return fixed(v, digits)
}

// USD форматирует сумму в долларах: $1,234.50, -$12.00
func USD(v float64, digits int) string {
	s := fixed(v, digits)
	if strings.HasPrefix(s, "-") {
		return "-$" + s[1:]
	}
	return "$" + s
}

// Percent форматирует процент. sign добавляет + для положительных значений.
func Percent(v float64, digits int, sign bool) string {
	s := fixed(v, digits)
	if sign && !strings.HasPrefix(s, "-") && !isZero(s) {
		s = "+" + s
	}
	return s + "%"
}

// Price выбирает точность по величине цены
func Price(v float64) string {
	switch abs := math.Abs(v); {
	case abs >= 1000:
		return USD(v, 2)
	case abs >= 1:
		return USD(v, 4)
	default:
		return USD(v, 6)
	}
}

// DateTime форматирует Unix ms в локальном времени
func DateTime(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(DateTimeLayout)
}

// Clock форматирует Unix ms как время суток
func Clock(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(TimeLayout)
}

func fixed(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	if digits < 0 {
		digits = 0
	}

	s := decimal.NewFromFloat(v).StringFixed(int32(digits))
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}

	out := group(intPart) + frac
	if neg && !isZero(out) {
		out = "-" + out
	}
	return out
}

// group расставляет запятые между тысячами
func group(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

func isZero(s string) bool {
	return strings.Trim(s, "0.,-+") == ""
}
