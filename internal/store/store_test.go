package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/obswerk/calib-pipeline/internal/partition"
)

func mustNight(t *testing.T, s string) partition.Night {
	t.Helper()
	n, err := partition.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestMasterName(t *testing.T) {
	if got := MasterName("bias", "2x2", "", 0); got != "master_bias2x2C1.fits" {
		t.Errorf("unexpected name: %s", got)
	}
	if got := MasterName("flat", "2x2", "R", 2); got != "master_flat2x2RC3.fits" {
		t.Errorf("unexpected name: %s", got)
	}
}

func TestMasterIndex_RoundTrip(t *testing.T) {
	for i := 0; i < 4; i++ {
		name := MasterName("dark", "2x2", "", i)
		got, err := MasterIndex(name)
		if err != nil {
			t.Fatalf("MasterIndex(%s) failed: %v", name, err)
		}
		if got != i {
			t.Errorf("MasterIndex(%s): expected %d, got %d", name, i, got)
		}
	}
	if _, err := MasterIndex("bias.fits"); err == nil {
		t.Error("expected error for name without index")
	}
}

func TestNightOfKey(t *testing.T) {
	n, err := NightOfKey("210317/Correction/master_bias2x2C1.fits")
	if err != nil {
		t.Fatalf("NightOfKey failed: %v", err)
	}
	if n.String() != "210317" {
		t.Errorf("expected 210317, got %s", n)
	}
	if _, err := NightOfKey("nonsense/file.fits"); err == nil {
		t.Error("expected error for non-partition key")
	}
}

func TestLayout_Dirs(t *testing.T) {
	l := DefaultLayout()
	n := mustNight(t, "210317")
	if got := l.CorrectionDir(n); got != "210317/Correction" {
		t.Errorf("unexpected correction dir: %s", got)
	}
	if got := l.RawDir(n); got != "210317/Raw" {
		t.Errorf("unexpected raw dir: %s", got)
	}
	if got := l.ReducedDir(n); got != "210317/Reduced" {
		t.Errorf("unexpected reduced dir: %s", got)
	}
}

func TestLocalStore_WriteReadExists(t *testing.T) {
	st, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	key := "210317/Correction/master_bias2x2C1.fits"
	if err := st.Write(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := st.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("round trip lost data: %q", data)
	}
	ok, err := st.Exists(ctx, key)
	if err != nil || !ok {
		t.Errorf("Exists: expected true, got %v %v", ok, err)
	}
	ok, err = st.Exists(ctx, "210317/Correction/missing.fits")
	if err != nil || ok {
		t.Errorf("Exists on missing key: expected false, got %v %v", ok, err)
	}
}

func TestLocalStore_ReadMissingIsErrNotExist(t *testing.T) {
	st, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	_, err = st.Read(context.Background(), "210317/Correction/missing.fits")
	if !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestLocalStore_ListMissingPartitionIsEmpty(t *testing.T) {
	st, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	keys, err := st.List(context.Background(), "990101/Correction")
	if err != nil {
		t.Fatalf("List on missing partition must not fail: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestLocalStore_ListIsSortedAndFilesOnly(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocalStore(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	if err := st.Write(ctx, "210317/Correction/b.fits", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := st.Write(ctx, "210317/Correction/a.fits", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "210317", "Correction", "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	keys, err := st.List(ctx, "210317/Correction")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	if keys[0] != "210317/Correction/a.fits" || keys[1] != "210317/Correction/b.fits" {
		t.Errorf("keys not sorted: %v", keys)
	}
}

func TestLocalStore_PrefixIsolation(t *testing.T) {
	base := t.TempDir()
	st, err := NewLocalStore(base, "site-a")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if err := st.Write(context.Background(), "210317/Raw/x.fits", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, "site-a", "210317", "Raw", "x.fits")); err != nil {
		t.Errorf("prefixed path not used: %v", err)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
