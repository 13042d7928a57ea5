// Package partition provides calendar-date partition routing for the
// calibration store. Every product of one observing night lives under a
// single YYMMDD directory; the resolver walks these partitions outward
// from a target night.
package partition

import (
	"errors"
	"fmt"
	"time"
)

// Layout is the directory-name form of a night partition.
const Layout = "060102"

// ErrBadNight is returned when a partition name cannot be parsed.
var ErrBadNight = errors.New("invalid night partition name")

// Night identifies one observing-night partition. The zero value is invalid;
// use NightOf or Parse.
type Night struct {
	y int
	m time.Month
	d int
}

// NightOf returns the partition owning the given timestamp.
func NightOf(t time.Time) Night {
	y, m, d := t.Date()
	return Night{y: y, m: m, d: d}
}

// Parse reads a YYMMDD partition directory name.
func Parse(name string) (Night, error) {
	t, err := time.ParseInLocation(Layout, name, time.UTC)
	if err != nil {
		return Night{}, fmt.Errorf("%w: %q", ErrBadNight, name)
	}
	return NightOf(t), nil
}

// String returns the partition directory name (YYMMDD).
func (n Night) String() string {
	return n.Date().Format(Layout)
}

// Date returns the night's date at midnight UTC.
func (n Night) Date() time.Time {
	return time.Date(n.y, n.m, n.d, 0, 0, 0, 0, time.UTC)
}

// Add returns the partition days later (negative for earlier).
func (n Night) Add(days int) Night {
	return NightOf(n.Date().AddDate(0, 0, days))
}

// IsZero reports whether the night is unset.
func (n Night) IsZero() bool {
	return n == Night{}
}

// DaysUntil returns the signed day count from n to other.
func (n Night) DaysUntil(other Night) int {
	return int(other.Date().Sub(n.Date()) / (24 * time.Hour))
}

// Before reports whether n precedes other.
func (n Night) Before(other Night) bool {
	return n.Date().Before(other.Date())
}
