package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/obswerk/calib-pipeline/internal/partition"
	"github.com/obswerk/calib-pipeline/internal/store"
)

func setup(t *testing.T, compress bool) (*Mirror, store.FrameStore, string) {
	t.Helper()
	st, err := store.NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	teleRoot := t.TempDir()
	m := NewMirror(st, store.DefaultLayout(), teleRoot, compress, nil)
	return m, st, teleRoot
}

func writeTelescopeNight(t *testing.T, root, night string, names ...string) {
	t.Helper()
	dir := filepath.Join(root, night)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data-"+name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	// Non-FITS files stay on the telescope side.
	if err := os.WriteFile(filepath.Join(dir, "observing_log.txt"), []byte("clouds at 3am"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestMirrorNight_CopiesFITSOnly(t *testing.T) {
	m, st, root := setup(t, false)
	night, _ := partition.Parse("210317")
	writeTelescopeNight(t, root, "210317", "a.fits", "b.fits")

	files, size, err := m.MirrorNight(context.Background(), night)
	if err != nil {
		t.Fatalf("MirrorNight failed: %v", err)
	}
	if files != 2 {
		t.Errorf("expected 2 files, got %d", files)
	}
	if size == 0 {
		t.Error("expected non-zero bytes copied")
	}

	data, err := st.Read(context.Background(), "210317/Raw/a.fits")
	if err != nil {
		t.Fatalf("mirrored file missing: %v", err)
	}
	if string(data) != "data-a.fits" {
		t.Errorf("content mangled: %q", data)
	}
	if ok, _ := st.Exists(context.Background(), "210317/Raw/observing_log.txt"); ok {
		t.Error("non-FITS files must not be mirrored")
	}
}

func TestMirrorNight_SkipsExisting(t *testing.T) {
	m, _, root := setup(t, false)
	night, _ := partition.Parse("210317")
	writeTelescopeNight(t, root, "210317", "a.fits")

	if _, _, err := m.MirrorNight(context.Background(), night); err != nil {
		t.Fatal(err)
	}
	files, _, err := m.MirrorNight(context.Background(), night)
	if err != nil {
		t.Fatal(err)
	}
	if files != 0 {
		t.Errorf("second mirror should copy nothing, got %d files", files)
	}
}

func TestMirrorNight_ReplacesCorruptedCopy(t *testing.T) {
	m, st, root := setup(t, false)
	night, _ := partition.Parse("210317")
	writeTelescopeNight(t, root, "210317", "a.fits")

	if _, _, err := m.MirrorNight(context.Background(), night); err != nil {
		t.Fatal(err)
	}
	key := "210317/Raw/a.fits"
	if err := st.Write(context.Background(), key, []byte("trunc")); err != nil {
		t.Fatal(err)
	}

	files, _, err := m.MirrorNight(context.Background(), night)
	if err != nil {
		t.Fatal(err)
	}
	if files != 1 {
		t.Errorf("corrupted copy should be replaced, got %d files", files)
	}
	data, err := st.Read(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "data-a.fits" {
		t.Errorf("content not restored: %q", data)
	}
}

func TestMirrorNight_WritesTarball(t *testing.T) {
	m, st, root := setup(t, true)
	night, _ := partition.Parse("210317")
	writeTelescopeNight(t, root, "210317", "a.fits", "b.fits")

	if _, _, err := m.MirrorNight(context.Background(), night); err != nil {
		t.Fatal(err)
	}

	data, err := st.Read(context.Background(), "210317/"+TarballName)
	if err != nil {
		t.Fatalf("tarball missing: %v", err)
	}
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("tarball is not zstd: %v", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		names = append(names, hdr.Name)
	}
	if len(names) != 2 {
		t.Errorf("expected 2 tar members, got %v", names)
	}
}
