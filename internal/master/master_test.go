package master

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/obswerk/calib-pipeline/internal/cluster"
	"github.com/obswerk/calib-pipeline/internal/exposure"
	"github.com/obswerk/calib-pipeline/internal/fitskit"
	"github.com/obswerk/calib-pipeline/internal/frame"
)

var testBase = time.Date(2021, time.March, 17, 20, 0, 0, 0, time.UTC)

func writeFrame(t *testing.T, dir, name, imageType string, exptime float64, filter string, xbin int, ts time.Time, value float64) *exposure.Exposure {
	t.Helper()
	m := frame.New(2, 2)
	for i := range m.Pix {
		m.Pix[i] = value
	}
	hdr := fitskit.NewHeader()
	hdr.Set(fitskit.KeyImageType, imageType, "")
	hdr.Set(fitskit.KeyExpTime, exptime, "")
	if filter != "" {
		hdr.Set(fitskit.KeyFilter, filter, "")
	}
	hdr.Set(fitskit.KeyDateObs, fitskit.FormatTime(ts), "")
	hdr.Set(fitskit.KeyXBinning, xbin, "")
	hdr.Set(fitskit.KeyYBinning, xbin, "")
	path := filepath.Join(dir, name)
	if err := fitskit.Write(path, m, hdr); err != nil {
		t.Fatalf("write frame %s: %v", name, err)
	}
	e, err := exposure.ReadFrom(path)
	if err != nil {
		t.Fatalf("read frame %s: %v", name, err)
	}
	return e
}

func TestBuildBias_MedianAndShape(t *testing.T) {
	dir := t.TempDir()
	c := cluster.Cluster{
		writeFrame(t, dir, "b1.fits", "Bias Frame", 0, "", 2, testBase, 100),
		writeFrame(t, dir, "b2.fits", "Bias Frame", 0, "", 2, testBase.Add(time.Minute), 104),
		writeFrame(t, dir, "b3.fits", "Bias Frame", 0, "", 2, testBase.Add(2*time.Minute), 102),
	}

	f, err := NewBuilder(nil).BuildBias(c)
	if err != nil {
		t.Fatalf("BuildBias failed: %v", err)
	}
	if f.Pix.Width != 2 || f.Pix.Height != 2 {
		t.Errorf("shape changed: %dx%d", f.Pix.Width, f.Pix.Height)
	}
	for i, v := range f.Pix.Pix {
		if v != 102 {
			t.Errorf("pixel %d: expected median 102, got %g", i, v)
		}
	}
	if f.Category != CategoryBias || f.Binning != "2x2" {
		t.Errorf("bad metadata: %s %s", f.Category, f.Binning)
	}
	if !f.Timestamp.Equal(testBase.Add(2 * time.Minute)) {
		t.Errorf("timestamp should be last member's, got %v", f.Timestamp)
	}
	if len(f.Sources) != 3 {
		t.Errorf("expected 3 sources, got %d", len(f.Sources))
	}
}

func TestBuildBias_SingleFrameDegenerates(t *testing.T) {
	dir := t.TempDir()
	c := cluster.Cluster{writeFrame(t, dir, "b1.fits", "Bias Frame", 0, "", 2, testBase, 99)}
	f, err := NewBuilder(nil).BuildBias(c)
	if err != nil {
		t.Fatalf("BuildBias failed: %v", err)
	}
	if f.Pix.Pix[0] != 99 {
		t.Errorf("expected 99, got %g", f.Pix.Pix[0])
	}
}

func TestBuildBias_BinningMismatchNamesFile(t *testing.T) {
	dir := t.TempDir()
	c := cluster.Cluster{
		writeFrame(t, dir, "b1.fits", "Bias Frame", 0, "", 2, testBase, 100),
		writeFrame(t, dir, "b_bad.fits", "Bias Frame", 0, "", 3, testBase.Add(time.Minute), 100),
	}

	_, err := NewBuilder(nil).BuildBias(c)
	var mismatch *IncompatibleBinningError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected IncompatibleBinningError, got %v", err)
	}
	if filepath.Base(mismatch.Path) != "b_bad.fits" {
		t.Errorf("error should name the offending file, got %s", mismatch.Path)
	}
}

func TestBuildDark_NormalizedByMeanExposureTime(t *testing.T) {
	dir := t.TempDir()
	c := cluster.Cluster{
		writeFrame(t, dir, "d1.fits", "Dark Frame", 60, "", 2, testBase, 32),
		writeFrame(t, dir, "d2.fits", "Dark Frame", 60, "", 2, testBase.Add(time.Minute), 32),
	}
	bias := frame.New(2, 2)
	for i := range bias.Pix {
		bias.Pix[i] = 2
	}

	f, err := NewBuilder(nil).BuildDark(c, bias)
	if err != nil {
		t.Fatalf("BuildDark failed: %v", err)
	}
	// (32 - 2) / 60 = 0.5 per second
	for i, v := range f.Pix.Pix {
		if v != 0.5 {
			t.Errorf("pixel %d: expected 0.5, got %g", i, v)
		}
	}
	if f.Category != CategoryDark {
		t.Errorf("bad category %s", f.Category)
	}
}

func TestBuildFlat_NormalizedAndEpsilon(t *testing.T) {
	dir := t.TempDir()
	c := cluster.Cluster{
		writeFrame(t, dir, "f1.fits", "Flat Field", 2, "R", 2, testBase, 402),
		writeFrame(t, dir, "f2.fits", "Flat Field", 2, "R", 2, testBase.Add(time.Minute), 402),
	}
	bias := frame.New(2, 2)
	dark := frame.New(2, 2)
	for i := range bias.Pix {
		bias.Pix[i] = 2
		dark.Pix[i] = 0.5
	}

	f, err := NewBuilder(nil).BuildFlat(c, bias, dark)
	if err != nil {
		t.Fatalf("BuildFlat failed: %v", err)
	}
	// Every member: 402 - 2 - 0.5*2 = 399 everywhere, so the per-member
	// normalization yields exactly 1.
	for i, v := range f.Pix.Pix {
		if v != 1 {
			t.Errorf("pixel %d: expected 1, got %g", i, v)
		}
	}
	if f.Filter != "R" {
		t.Errorf("filter lost: %q", f.Filter)
	}
}

func TestBuildFlat_ZeroPixelGetsEpsilon(t *testing.T) {
	dir := t.TempDir()
	c := cluster.Cluster{
		writeFrame(t, dir, "f1.fits", "Flat Field", 2, "R", 2, testBase, 10),
	}
	bias := frame.New(2, 2)
	dark := frame.New(2, 2)
	// One pixel of the single flat ends up exactly zero after correction.
	bias.Pix[0] = 10

	f, err := NewBuilder(nil).BuildFlat(c, bias, dark)
	if err != nil {
		t.Fatalf("BuildFlat failed: %v", err)
	}
	if f.Pix.Pix[0] != FlatEpsilon {
		t.Errorf("zero pixel should become epsilon, got %g", f.Pix.Pix[0])
	}
}

func TestFrameHeader_CarriesProvenance(t *testing.T) {
	f := &Frame{
		Category:  CategoryBias,
		Binning:   "2x2",
		Timestamp: testBase,
		Sources:   []string{"a.fits", "b.fits"},
		Pix:       frame.New(1, 1),
	}
	hdr := f.Header()
	if n, ok := hdr.Int(fitskit.KeySourceCount); !ok || n != 2 {
		t.Errorf("source count wrong: %v %v", n, ok)
	}
	if got := hdr.Str(fitskit.KeySourcePrefix + "1"); got != "a.fits" {
		t.Errorf("first source wrong: %q", got)
	}
	if _, ok := hdr.Time(fitskit.KeyDateObs); !ok {
		t.Error("master header must carry its timestamp")
	}
}
