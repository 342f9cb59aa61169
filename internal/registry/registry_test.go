package registry

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutron-data/powder.report/internal/httputil"
)

func md5sum(data []byte) string {
	h := md5.Sum(data)
	return "md5:" + hex.EncodeToString(h[:])
}

// testRegistry serves the given files over a local HTTP server and
// points the cache at a fresh temp dir.
func testRegistry(t *testing.T, files map[string][]byte) (*Registry, *int) {
	t.Helper()
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	sums := make(map[string]string, len(files))
	for name, body := range files {
		sums[name] = md5sum(body)
	}
	t.Setenv(EnvCacheOverride, t.TempDir())
	return &Registry{
		Instrument: "dream",
		Version:    "1",
		BaseURL:    srv.URL + "/",
		Files:      sums,
		Client:     httputil.NewStandardClient(srv.Client()),
	}, &requests
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	reg, requests := testRegistry(t, map[string][]byte{
		"run/sample.dat": []byte("tof intensity\n"),
	})

	path, err := reg.Fetch(context.Background(), "run/sample.dat")
	require.NoError(t, err)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tof intensity\n", string(body))
	assert.Equal(t, 1, *requests)
	assert.Contains(t, filepath.ToSlash(path), "dream/1/run/sample.dat")

	again, err := reg.Fetch(context.Background(), "run/sample.dat")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 1, *requests, "cached file must not be fetched again")
}

func TestFetchUnknownName(t *testing.T) {
	reg, _ := testRegistry(t, nil)

	_, err := reg.Fetch(context.Background(), "nope.nxs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a bundled data file")
}

func TestFetchReplacesCorruptCache(t *testing.T) {
	reg, requests := testRegistry(t, map[string][]byte{"cal.csv": []byte("good")})

	dir, err := reg.CacheDir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cal.csv"), []byte("tampered"), 0o644))

	path, err := reg.Fetch(context.Background(), "cal.csv")
	require.NoError(t, err)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "good", string(body))
	assert.Equal(t, 1, *requests)
}

func TestFetchChecksumMismatch(t *testing.T) {
	reg, _ := testRegistry(t, map[string][]byte{"cal.csv": []byte("served")})
	reg.Files["cal.csv"] = "md5:" + strings.Repeat("0", 32)

	_, err := reg.Fetch(context.Background(), "cal.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestFetchServerFailure(t *testing.T) {
	reg, _ := testRegistry(t, nil)
	reg.Files["gone.nxs"] = "md5:" + strings.Repeat("a", 32)

	_, err := reg.Fetch(context.Background(), "gone.nxs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchTransportError(t *testing.T) {
	t.Setenv(EnvCacheOverride, t.TempDir())

	mock := httputil.NewMockHTTPClient()
	mock.AddErrorResponse(errors.New("connection reset"))
	reg := &Registry{
		Instrument: "beer",
		Version:    "1",
		BaseURL:    "https://example.invalid/{instrument}/{version}/",
		Files:      map[string]string{"bank.dat": "md5:" + strings.Repeat("b", 32)},
		Client:     mock,
	}

	_, err := reg.Fetch(context.Background(), "bank.dat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, mock.RequestCount())
}

func TestFetchUnzipped(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("run1/events.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("id,tof\n7,1200\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	reg, _ := testRegistry(t, map[string][]byte{"events.csv.zip": buf.Bytes()})

	members, err := reg.FetchUnzipped(context.Background(), "events.csv.zip")
	require.NoError(t, err)
	require.Len(t, members, 1)
	body, err := os.ReadFile(members[0])
	require.NoError(t, err)
	assert.Equal(t, "id,tof\n7,1200\n", string(body))
	assert.True(t, strings.HasSuffix(filepath.ToSlash(members[0]), "events.csv.zip.unzip/run1/events.csv"))
}

func TestUnzipRejectsEscapingMembers(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	tmp := t.TempDir()
	src := filepath.Join(tmp, "bad.zip")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))

	_, err = unzip(src, filepath.Join(tmp, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestBundledRegistries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reg  *Registry
		name string
	}{
		{ForDream(), "DREAM_simple_pwd_workflow/data_dream_vanadium.csv.zip"},
		{ForDream(), "DREAM_simple_pwd_workflow/Cave_TOF_Monitor_van_can.dat"},
		{ForPowgen(), "PG3_4844_event.nxs"},
		{ForPowgen(), "PG3_FERNS_d4832_2011_08_24.cal"},
		{ForBeer(), "duplex.h5"},
		{ForBeer(), "silicon.h5"},
	}
	for _, tc := range cases {
		sum, ok := tc.reg.Files[tc.name]
		require.True(t, ok, "%s missing from %s registry", tc.name, tc.reg.Instrument)
		assert.True(t, strings.HasPrefix(sum, "md5:"))
		assert.Len(t, sum, len("md5:")+32)
	}
}

func TestCacheDirOverride(t *testing.T) {
	t.Setenv(EnvCacheOverride, "/data/neutron")

	dir, err := ForBeer().CacheDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/neutron", "beer", "1"), dir)
}

func TestMirrorFromURL(t *testing.T) {
	t.Setenv("ESS_S3_ENDPOINT", "")

	m, err := MirrorFromURL("s3://ess-data/dream/1/")
	require.NoError(t, err)
	assert.Equal(t, "ess-data", m.Bucket)
	assert.Equal(t, "dream/1/", m.Prefix)
	assert.Equal(t, "https://s3.amazonaws.com", m.EndpointURL)

	_, err = MirrorFromURL("https://example.org/x")
	require.Error(t, err)
}

func TestS3BaseResolution(t *testing.T) {
	t.Setenv("ESS_S3_ENDPOINT", "")

	reg := &Registry{
		Instrument: "powgen",
		Version:    "1",
		BaseURL:    "s3://mirror-bucket/{instrument}/{version}/",
		Files:      map[string]string{},
	}
	m, err := reg.s3Base()
	require.NoError(t, err)
	assert.Equal(t, "mirror-bucket", m.Bucket)
	assert.Equal(t, "powgen/1/", m.Prefix)
}
