package pending

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(filepath.Join(t.TempDir(), "pending_log.txt"))
}

func sampleEntry() Entry {
	return Entry{
		Date:     time.Date(2021, 3, 18, 0, 0, 0, 0, time.UTC),
		Category: CategoryLight,
		Binning:  "2x2",
		Filter:   "R",
		BiasAge:  AgeOf(0),
		DarkAge:  AgeOf(-2),
		FlatAge:  AgeOf(1),
		Expires:  time.Date(2021, 3, 19, 0, 0, 0, 0, time.UTC),
		Path:     "/data/210317/Raw/light042.fits",
	}
}

func TestAppendReadAll_RoundTrip(t *testing.T) {
	l := testLedger(t)
	want := sampleEntry()
	if err := l.Append(want); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if !e.Date.Equal(want.Date) || e.Category != want.Category ||
		e.Binning != want.Binning || e.Filter != want.Filter ||
		e.Path != want.Path || !e.Expires.Equal(want.Expires) {
		t.Errorf("entry mangled: %+v", e)
	}
	if e.BiasAge.String() != "0" || e.DarkAge.String() != "-2" || e.FlatAge.String() != "1" {
		t.Errorf("offsets mangled: %s %s %s", e.BiasAge, e.DarkAge, e.FlatAge)
	}
}

func TestAppendReadAll_UnknownAndNAOffsets(t *testing.T) {
	l := testLedger(t)
	e := sampleEntry()
	e.BiasAge = AgeUnknown()
	e.DarkAge = AgeNA()
	e.FlatAge = AgeUnknown()
	e.Expires = time.Time{}
	if err := l.Append(e); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if got[0].BiasAge.String() != "?" || got[0].DarkAge.String() != "-" || got[0].FlatAge.String() != "?" {
		t.Errorf("special offsets not verbatim: %s %s %s",
			got[0].BiasAge, got[0].DarkAge, got[0].FlatAge)
	}
	if !got[0].Expires.IsZero() {
		t.Errorf("missing expiry should read back as zero, got %v", got[0].Expires)
	}
}

func TestAppend_WritesHeaderOnce(t *testing.T) {
	l := testLedger(t)
	if err := l.Append(sampleEntry()); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(sampleEntry()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(l.Path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if lines[0] != "Date, Frame type, Binning, Filter, BIAS-AGE, DARK-AGE, FLAT-AGE, Expires, Path" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if strings.Count(string(data), "Frame type") != 1 {
		t.Error("header written more than once")
	}
}

func TestSerialization_ExactFormat(t *testing.T) {
	l := testLedger(t)
	if err := l.Append(sampleEntry()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		t.Fatal(err)
	}
	want := "2021-03-18, Light file, 2x2, R, 0, -2, 1, 19-03-2021, /data/210317/Raw/light042.fits"
	if !strings.Contains(string(data), want) {
		t.Errorf("row format drifted:\n%s", string(data))
	}
}

func TestDrain_LeavesHeaderOnly(t *testing.T) {
	l := testLedger(t)
	if err := l.Append(sampleEntry()); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(sampleEntry()); err != nil {
		t.Fatal(err)
	}

	drained, err := l.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(drained) != 2 {
		t.Errorf("expected 2 drained entries, got %d", len(drained))
	}

	after, err := l.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Errorf("ledger should be empty after drain, got %d entries", len(after))
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "Date, Frame type") {
		t.Error("header lost on drain")
	}
}

func TestReadAll_MissingFileIsEmpty(t *testing.T) {
	l := testLedger(t)
	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll on missing file failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestExpired(t *testing.T) {
	e := sampleEntry() // expires 19-03-2021
	if e.Expired(time.Date(2021, 3, 19, 23, 0, 0, 0, time.UTC)) {
		t.Error("entry should not expire on its expiry date")
	}
	if !e.Expired(time.Date(2021, 3, 20, 0, 0, 0, 0, time.UTC)) {
		t.Error("entry should be expired the day after")
	}
	e.Expires = time.Time{}
	if e.Expired(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("entry without expiry must never expire")
	}
}

func TestMaxAbsOffset(t *testing.T) {
	e := sampleEntry() // 0, -2, 1
	if d, ok := e.MaxAbsOffset(); !ok || d != 2 {
		t.Errorf("expected (2,true), got (%d,%v)", d, ok)
	}
	e.DarkAge = AgeUnknown()
	if _, ok := e.MaxAbsOffset(); ok {
		t.Error("unknown offset should make the maximum unknown")
	}
	e.DarkAge = AgeNA()
	if d, ok := e.MaxAbsOffset(); !ok || d != 1 {
		t.Errorf("NA offsets should be ignored, expected (1,true), got (%d,%v)", d, ok)
	}
}

func TestParseAge(t *testing.T) {
	if a := ParseAge("-7"); a.Unknown || a.NA || a.Days != -7 {
		t.Errorf("bad parse of -7: %+v", a)
	}
	if a := ParseAge("?"); !a.Unknown {
		t.Errorf("bad parse of ?: %+v", a)
	}
	if a := ParseAge("-"); !a.NA {
		t.Errorf("bad parse of -: %+v", a)
	}
	if a := ParseAge("soon"); !a.Unknown {
		t.Errorf("junk should parse as unknown: %+v", a)
	}
}
