package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lemond/internal/download"
)

type entry struct {
	name string
	body string
	dir  bool
}

func makeZip(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.dir {
			_, err := zw.Create(e.name + "/")
			require.NoError(t, err)
			continue
		}
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		hdr.SetMode(0o755)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, _ = w.Write([]byte(e.body))
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func makeTarGz(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if e.dir {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name + "/", Typeflag: tar.TypeDir, Mode: 0o755}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(e.body))}))
		_, _ = tw.Write([]byte(e.body))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractZipPreservesLayout(t *testing.T) {
	dir := t.TempDir()
	arc := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(arc, makeZip(t, []entry{
		{name: "build", dir: true},
		{name: "build/bin/llama-server", body: "exe"},
		{name: "README.md", body: "hi"},
	}), 0o644))
	dest := filepath.Join(dir, "out")
	require.NoError(t, Extract(arc, dest))
	assert.FileExists(t, filepath.Join(dest, "build", "bin", "llama-server"))
	assert.FileExists(t, filepath.Join(dest, "README.md"))
}

func TestExtractTarGzStripsSingleTopDir(t *testing.T) {
	dir := t.TempDir()
	arc := filepath.Join(dir, "a.tar.gz")
	require.NoError(t, os.WriteFile(arc, makeTarGz(t, []entry{
		{name: "sd-master-abc", dir: true},
		{name: "sd-master-abc/bin/sd", body: "exe"},
		{name: "sd-master-abc/LICENSE", body: "mit"},
	}), 0o644))
	dest := filepath.Join(dir, "out")
	require.NoError(t, Extract(arc, dest))
	assert.FileExists(t, filepath.Join(dest, "bin", "sd"))
	assert.FileExists(t, filepath.Join(dest, "LICENSE"))
	assert.NoDirExists(t, filepath.Join(dest, "sd-master-abc"))
}

func TestExtractTarGzIgnoresGlobalHeader(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:       "pax_global_header",
		Typeflag:   tar.TypeXGlobalHeader,
		PAXRecords: map[string]string{"comment": "abc123"},
		Format:     tar.FormatPAX,
	}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "whisper-v1/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "whisper-v1/whisper-server", Typeflag: tar.TypeReg, Mode: 0o755, Size: 3}))
	_, _ = tw.Write([]byte("exe"))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	arc := filepath.Join(dir, "w.tar.gz")
	require.NoError(t, os.WriteFile(arc, buf.Bytes(), 0o644))

	dest := filepath.Join(dir, "out")
	require.NoError(t, Extract(arc, dest))
	assert.FileExists(t, filepath.Join(dest, "whisper-server"))
	assert.NoDirExists(t, filepath.Join(dest, "whisper-v1"))
	assert.NoFileExists(t, filepath.Join(dest, "pax_global_header"))
}

func TestExtractTarGzWithoutWrapperKeepsLayout(t *testing.T) {
	dir := t.TempDir()
	arc := filepath.Join(dir, "a.tgz")
	require.NoError(t, os.WriteFile(arc, makeTarGz(t, []entry{
		{name: "kokoro", body: "exe"},
		{name: "lib/libx.so", body: "so"},
	}), 0o644))
	dest := filepath.Join(dir, "out")
	require.NoError(t, Extract(arc, dest))
	assert.FileExists(t, filepath.Join(dest, "kokoro"))
	assert.FileExists(t, filepath.Join(dest, "lib", "libx.so"))
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	arc := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(arc, makeZip(t, []entry{{name: "../evil", body: "x"}}), 0o644))
	err := Extract(arc, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "evil"))
}

func TestExtractCorruptAndUnsupported(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0o644))
	assert.Error(t, Extract(bad, filepath.Join(dir, "o1")))

	badTar := filepath.Join(dir, "bad.tar.gz")
	require.NoError(t, os.WriteFile(badTar, []byte("not gzip"), 0o644))
	assert.Error(t, Extract(badTar, filepath.Join(dir, "o2")))

	other := filepath.Join(dir, "x.rar")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	assert.ErrorIs(t, Extract(other, filepath.Join(dir, "o3")), ErrUnsupportedArchive)
}

func TestFindExecutableOrder(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"build/bin/tool", "tool"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o755))
	}
	got, err := FindExecutable(root, Candidates("tool", "linux-x64"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "build", "bin", "tool"), got)

	_, err = FindExecutable(root, []string{"bin/missing"})
	assert.ErrorContains(t, err, "bin/missing")
}

func TestStateRoundTripAndMissing(t *testing.T) {
	dir := t.TempDir()
	st, err := ReadState(dir)
	require.NoError(t, err)
	assert.Equal(t, State{}, st)

	require.NoError(t, WriteState(dir, State{Version: "b1", Variant: "vulkan"}, true))
	st, err = ReadState(dir)
	require.NoError(t, err)
	assert.Equal(t, State{Version: "b1", Variant: "vulkan"}, st)
}

// fakeFetcher writes a prepared archive to dest and counts calls.
type fakeFetcher struct {
	archive []byte
	calls   int
	err     error
}

func (f *fakeFetcher) Download(ctx context.Context, url, dest string, opts download.Options) (download.Result, error) {
	f.calls++
	if f.err != nil {
		return download.Result{}, f.err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return download.Result{}, err
	}
	if err := os.WriteFile(dest, f.archive, 0o644); err != nil {
		return download.Result{}, err
	}
	return download.Result{Path: dest, BytesTransferred: int64(len(f.archive))}, nil
}

func engineZip(t *testing.T) []byte {
	return makeZip(t, []entry{{name: "bin/engine", body: strings.Repeat("x", 2048)}})
}

func baseRequest(root string) Request {
	return Request{
		Name:         "X",
		Dir:          filepath.Join(root, "x", "cpu"),
		Version:      "v1.2.3",
		Variant:      "cpu",
		MultiVariant: true,
		URL:          "https://example.invalid/engine.zip",
		ArchiveName:  "engine.zip",
		Candidates:   Candidates("engine"),
		// deflated fixtures are far below the production floor
		MinArchiveBytes: 64,
	}
}

func TestColdInstall(t *testing.T) {
	root := t.TempDir()
	f := &fakeFetcher{archive: engineZip(t)}
	in := New(f, "", nil)
	req := baseRequest(root)

	res, err := in.Ensure(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.Equal(t, filepath.Join(req.Dir, "bin", "engine"), res.Executable)
	b, err := os.ReadFile(filepath.Join(req.Dir, VersionFile))
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", string(b))
	if runtime.GOOS != "windows" {
		fi, _ := os.Stat(res.Executable)
		assert.NotZero(t, fi.Mode()&0o111)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	root := t.TempDir()
	f := &fakeFetcher{archive: engineZip(t)}
	in := New(f, "", nil)
	req := baseRequest(root)

	_, err := in.Ensure(context.Background(), req)
	require.NoError(t, err)
	before, _ := os.Stat(filepath.Join(req.Dir, VersionFile))
	res, err := in.Ensure(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Installed)
	assert.Equal(t, 1, f.calls)
	after, _ := os.Stat(filepath.Join(req.Dir, VersionFile))
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestStaleUpgradeReinstalls(t *testing.T) {
	root := t.TempDir()
	req := baseRequest(root)
	require.NoError(t, os.MkdirAll(filepath.Join(req.Dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(req.Dir, "bin", "engine"), []byte("old"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(req.Dir, "stale-lib.so"), []byte("old"), 0o644))
	require.NoError(t, WriteState(req.Dir, State{Version: "v1.2.2", Variant: "cpu"}, true))

	f := &fakeFetcher{archive: engineZip(t)}
	res, err := New(f, "", nil).Ensure(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.NoFileExists(t, filepath.Join(req.Dir, "stale-lib.so"), "old directory must be removed entirely")
	b, _ := os.ReadFile(filepath.Join(req.Dir, VersionFile))
	assert.Equal(t, "v1.2.3", string(b))
}

func TestVariantMismatchReinstalls(t *testing.T) {
	root := t.TempDir()
	f := &fakeFetcher{archive: engineZip(t)}
	in := New(f, "", nil)
	req := baseRequest(root)
	_, err := in.Ensure(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, WriteState(req.Dir, State{Version: "v1.2.3", Variant: "rocm"}, true))
	_, err = in.Ensure(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestOverrideSkipsInstall(t *testing.T) {
	root := t.TempDir()
	exe := filepath.Join(root, "my-engine")
	require.NoError(t, os.WriteFile(exe, []byte("x"), 0o755))
	f := &fakeFetcher{archive: engineZip(t)}
	req := baseRequest(root)
	req.Override = exe
	res, err := New(f, "", nil).Ensure(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.FromOverride)
	assert.Equal(t, exe, res.Executable)
	assert.Equal(t, 0, f.calls)
}

func TestFailedInstallLeavesNoDirectory(t *testing.T) {
	root := t.TempDir()
	req := baseRequest(root)

	f := &fakeFetcher{err: errors.New("network down")}
	_, err := New(f, "", nil).Ensure(context.Background(), req)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "download", ie.Step)
	assert.NoDirExists(t, req.Dir)

	// archive without the executable
	f = &fakeFetcher{archive: makeZip(t, []entry{{name: "docs/readme.txt", body: strings.Repeat("y", 2048)}})}
	_, err = New(f, "", nil).Ensure(context.Background(), req)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "locate executable", ie.Step)
	assert.NoDirExists(t, req.Dir)

	// truncated archive
	f = &fakeFetcher{archive: []byte("tiny")}
	_, err = New(f, "", nil).Ensure(context.Background(), req)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "verify archive", ie.Step)
	assert.NoDirExists(t, req.Dir)
}
