// Package pending implements the retry ledger: a plain delimited text file
// recording every reduction or master-frame build that had to fall back on
// calibration data from another night. A later retry pass drains the file
// and re-attempts each entry.
package pending

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Ledger row categories.
const (
	CategoryDark  = "Dark file"
	CategoryFlat  = "Flat file"
	CategoryLight = "Light file"
)

// Field and date formats of the ledger file.
const (
	header       = "Date, Frame type, Binning, Filter, BIAS-AGE, DARK-AGE, FLAT-AGE, Expires, Path"
	sep          = ", "
	dateLayout   = "2006-01-02"
	expiryLayout = "02-01-2006"
	none         = "-"
	unknown      = "?"
)

// Age is one per-correction day offset: a signed integer, unknown ("?",
// resolution failed entirely) or not applicable ("-").
type Age struct {
	Days    int
	Unknown bool
	NA      bool
}

// AgeOf returns a known offset.
func AgeOf(days int) Age { return Age{Days: days} }

// AgeUnknown marks a failed resolution.
func AgeUnknown() Age { return Age{Unknown: true} }

// AgeNA marks a correction type that does not apply to the entry.
func AgeNA() Age { return Age{NA: true} }

func (a Age) String() string {
	switch {
	case a.Unknown:
		return unknown
	case a.NA:
		return none
	}
	return strconv.Itoa(a.Days)
}

// ParseAge reads an age field back. Anything that is not an integer, "?" or
// "-" parses as unknown, which the retry pass treats conservatively.
func ParseAge(s string) Age {
	switch s {
	case unknown:
		return AgeUnknown()
	case none:
		return AgeNA()
	}
	days, err := strconv.Atoi(s)
	if err != nil {
		return AgeUnknown()
	}
	return AgeOf(days)
}

// Abs returns the magnitude of a known offset and whether it is known.
func (a Age) Abs() (int, bool) {
	if a.Unknown {
		return 0, false
	}
	if a.NA {
		return 0, true
	}
	if a.Days < 0 {
		return -a.Days, true
	}
	return a.Days, true
}

// Entry is one ledger row.
type Entry struct {
	Date     time.Time // creation date (date precision)
	Category string
	Binning  string
	Filter   string
	BiasAge  Age
	DarkAge  Age
	FlatAge  Age
	Expires  time.Time // zero when no expiry applies
	Path     string
}

// MaxAbsOffset returns the largest known offset magnitude across the three
// correction types, or !ok when any of them is unknown.
func (e Entry) MaxAbsOffset() (days int, ok bool) {
	for _, a := range []Age{e.BiasAge, e.DarkAge, e.FlatAge} {
		abs, known := a.Abs()
		if !known {
			return 0, false
		}
		if abs > days {
			days = abs
		}
	}
	return days, true
}

// Expired reports whether the entry's expiry date lies strictly before now.
// Entries without an expiry never expire.
func (e Entry) Expired(now time.Time) bool {
	if e.Expires.IsZero() {
		return false
	}
	return e.Expires.Before(truncateToDate(now))
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (e Entry) record() string {
	expires := none
	if !e.Expires.IsZero() {
		expires = e.Expires.Format(expiryLayout)
	}
	return strings.Join([]string{
		e.Date.Format(dateLayout),
		e.Category,
		e.Binning,
		e.Filter,
		e.BiasAge.String(),
		e.DarkAge.String(),
		e.FlatAge.String(),
		expires,
		e.Path,
	}, sep)
}

func parseRecord(line string) (Entry, error) {
	fields := strings.SplitN(line, sep, 9)
	if len(fields) != 9 {
		return Entry{}, fmt.Errorf("malformed ledger row (%d fields): %q", len(fields), line)
	}
	var e Entry
	var err error
	e.Date, err = time.ParseInLocation(dateLayout, fields[0], time.UTC)
	if err != nil {
		return Entry{}, fmt.Errorf("bad entry date %q: %w", fields[0], err)
	}
	e.Category = fields[1]
	e.Binning = fields[2]
	e.Filter = fields[3]
	e.BiasAge = ParseAge(fields[4])
	e.DarkAge = ParseAge(fields[5])
	e.FlatAge = ParseAge(fields[6])
	if fields[7] != none {
		e.Expires, err = time.ParseInLocation(expiryLayout, fields[7], time.UTC)
		if err != nil {
			return Entry{}, fmt.Errorf("bad expiry date %q: %w", fields[7], err)
		}
	}
	e.Path = fields[8]
	return e, nil
}

// Ledger is the on-disk retry queue. Append-only between retry passes; a
// retry pass drains it wholesale and unresolved work is re-appended by the
// reprocessing step itself.
type Ledger struct {
	Path string
}

// NewLedger points at (but does not create) a ledger file.
func NewLedger(path string) *Ledger {
	return &Ledger{Path: path}
}

// Append adds one row, creating the file with its header on first use.
// Duplicate rows for the same target are expected; the ledger is a work
// queue, not a set.
func (l *Ledger) Append(e Entry) error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", l.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat ledger: %w", err)
	}
	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(header + "\n")
	}
	b.WriteString(e.record() + "\n")
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("append to ledger %s: %w", l.Path, err)
	}
	return f.Close()
}

// ReadAll parses every row of the ledger. A missing file reads as empty.
func (l *Ledger) ReadAll() ([]Entry, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", l.Path, err)
	}
	var entries []Entry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line == header {
			continue
		}
		e, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("ledger %s line %d: %w", l.Path, i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Drain returns all entries and rewrites the ledger to contain only the
// header. The rewrite is atomic (temp file + rename), so a crash mid-drain
// leaves either the old full ledger or the fresh empty one, never a
// truncated file.
func (l *Ledger) Drain() ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	tmp := l.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(header+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("write temp ledger %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.Path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rewrite ledger %s: %w", l.Path, err)
	}
	return entries, nil
}
