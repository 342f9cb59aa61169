// Package registry fetches bundled reference datasets by name. Files
// are downloaded once into a local cache and verified against their
// registered checksums, mirroring how the facility publishes example
// data for each instrument.
package registry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/neutron-data/powder.report/internal/httputil"
	"github.com/neutron-data/powder.report/internal/monitoring"
)

// EnvCacheOverride names the environment variable that overrides the
// cache location.
const EnvCacheOverride = "ESS_DATA_DIR"

const defaultBaseURL = "https://public.esss.dk/groups/scipp/ess/{instrument}/{version}/"

// Registry is the checksummed file list of one instrument's reference
// data.
type Registry struct {
	Instrument string
	Version    string
	// BaseURL may contain {instrument} and {version} placeholders.
	BaseURL string
	// Files maps name to checksum in the form "md5:<hex>".
	Files map[string]string

	// Client defaults to a plain http.Client. Tests swap in a mock to
	// script transport failures.
	Client httputil.HTTPClient
	// Mirror, when set, serves downloads after the primary URL fails.
	Mirror *Mirror
}

// ForDream returns the registry of DREAM reference data.
func ForDream() *Registry {
	return &Registry{
		Instrument: "dream",
		Version:    "1",
		BaseURL:    defaultBaseURL,
		Files: map[string]string{
			"data_dream_with_sectors.csv.zip":                                                       "md5:52ae6eb3705e5e54306a001bc0ae85d8",
			"data_dream0_new_hkl_Si_pwd.csv.zip":                                                    "md5:d0ae518dc1b943bb817b3d18c354ed01",
			"DREAM_nexus_sorted-2023-12-07.nxs":                                                     "md5:22824e14f6eb950d24a720b2a0e2cb66",
			"DREAM_simple_pwd_workflow/data_dream_diamond_vana_container_sample_union.csv.zip":      "md5:33302d0506b36aab74003b8aed4664cc",
			"DREAM_simple_pwd_workflow/data_dream_diamond_vana_container_sample_union_run2.csv.zip": "md5:c7758682f978d162dcb91e47c79abb83",
			"DREAM_simple_pwd_workflow/data_dream_vana_container_sample_union.csv.zip":              "md5:1e22917b2bb68b5cacfb506b72700a4d",
			"DREAM_simple_pwd_workflow/data_dream_vanadium.csv.zip":                                 "md5:e5addfc06768140c76533946433fa2ec",
			"DREAM_simple_pwd_workflow/data_dream_vanadium_inc_coh.csv.zip":                         "md5:39d1a44e248b12966b26f7c2f6c602a2",
			"DREAM_simple_pwd_workflow/Cave_TOF_Monitor_diam_in_can.dat":                            "md5:ef24f4a4186c628574046e6629e31611",
			"DREAM_simple_pwd_workflow/Cave_TOF_Monitor_van_can.dat":                                "md5:e63456c347fb36a362a0b5ae2556b3cf",
			"DREAM_simple_pwd_workflow/Cave_TOF_Monitor_vana_inc_coh.dat":                           "md5:701d66792f20eb283a4ce76bae0c8f8f",
		},
	}
}

// ForPowgen returns the registry of POWGEN reference data.
func ForPowgen() *Registry {
	return &Registry{
		Instrument: "powgen",
		Version:    "1",
		BaseURL:    defaultBaseURL,
		Files: map[string]string{
			"PG3_4844_event.nxs":             "md5:d5ae38871d0a09a28ae01f85d969de1e",
			"PG3_4866_event.nxs":             "md5:3d543bc6a646e622b3f4542bc3435e7e",
			"PG3_5226_event.nxs":             "md5:58b386ebdfeb728d34fd3ba00a2d4f1e",
			"PG3_FERNS_d4832_2011_08_24.cal": "md5:c181221ebef9fcf30114954268c7a6b6",
			"PG3_4844_event.zip":             "md5:a644c74f5e740385469b67431b690a3e",
			"PG3_4866_event.zip":             "md5:5bc49def987f0faeb212a406b92b548e",
			"PG3_FERNS_d4832_2011_08_24.zip": "md5:0fef4ed5f61465eaaa3f87a18f5bb80d",
		},
	}
}

// ForBeer returns the registry of BEER reference data.
func ForBeer() *Registry {
	return &Registry{
		Instrument: "beer",
		Version:    "1",
		BaseURL:    defaultBaseURL,
		Files: map[string]string{
			"duplex.h5":  "md5:ebb3f9694ffdd0949f342bd0deaaf627",
			"silicon.h5": "md5:3425ae2b2fe7a938c6f0a4afeb9e0819",
		},
	}
}

// FileStatus describes the cache state of one bundled file.
type FileStatus struct {
	Name   string `json:"name"`
	Cached bool   `json:"cached"`
	Bytes  int64  `json:"bytes"`
}

// Status reports the cache state of every bundled file, sorted by
// name. Presence is checked by stat only; checksums are verified on
// Fetch.
func (r *Registry) Status() ([]FileStatus, error) {
	dir, err := r.CacheDir()
	if err != nil {
		return nil, err
	}
	out := make([]FileStatus, 0, len(r.Files))
	for name := range r.Files {
		st := FileStatus{Name: name}
		if fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			st.Cached = true
			st.Bytes = fi.Size()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CacheDir returns where this registry stores fetched files.
func (r *Registry) CacheDir() (string, error) {
	if dir := os.Getenv(EnvCacheOverride); dir != "" {
		return filepath.Join(dir, r.Instrument, r.Version), nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("registry: resolving cache dir: %w", err)
	}
	return filepath.Join(base, "ess", r.Instrument, r.Version), nil
}

func (r *Registry) url(name string) string {
	base := strings.ReplaceAll(r.BaseURL, "{instrument}", r.Instrument)
	base = strings.ReplaceAll(base, "{version}", r.Version)
	return base + name
}

// Fetch returns a local path to a named file, downloading it when the
// cache misses or the cached copy fails its checksum.
func (r *Registry) Fetch(ctx context.Context, name string) (string, error) {
	sum, ok := r.Files[name]
	if !ok {
		return "", fmt.Errorf("registry: %q is not a bundled data file for %s", name, r.Instrument)
	}
	dir, err := r.CacheDir()
	if err != nil {
		return "", err
	}
	local := filepath.Join(dir, filepath.FromSlash(name))
	if ok, err := verifyChecksum(local, sum); err == nil && ok {
		return local, nil
	}
	if err := r.download(ctx, name, local); err != nil {
		return "", err
	}
	if ok, err := verifyChecksum(local, sum); err != nil {
		return "", fmt.Errorf("registry: %w", err)
	} else if !ok {
		os.Remove(local)
		return "", fmt.Errorf("registry: %s failed checksum verification after download", name)
	}
	monitoring.Logf("Fetched %s into %s", name, dir)
	return local, nil
}

func (r *Registry) download(ctx context.Context, name, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	tmp := local + ".part"
	var err error
	if strings.HasPrefix(r.BaseURL, "s3://") {
		var m *Mirror
		m, err = r.s3Base()
		if err == nil {
			err = m.download(ctx, name, tmp)
		}
	} else {
		err = r.downloadHTTP(ctx, r.url(name), tmp)
		if err != nil && r.Mirror != nil {
			monitoring.Logf("Primary download of %s failed (%v), trying mirror", name, err)
			err = r.Mirror.download(ctx, name, tmp)
		}
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, local); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("registry: %w", err)
	}
	return nil
}

// s3Base resolves an "s3://" BaseURL into a mirror, caching the result.
func (r *Registry) s3Base() (*Mirror, error) {
	if r.Mirror != nil {
		return r.Mirror, nil
	}
	m, err := MirrorFromURL(r.url(""))
	if err != nil {
		return nil, err
	}
	r.Mirror = m
	return m, nil
}

func (r *Registry) downloadHTTP(ctx context.Context, url, dest string) error {
	client := r.Client
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("registry: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: fetching %s: status %s", url, resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("registry: downloading %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	return nil
}

// verifyChecksum reports whether the file at path matches the registered
// checksum. A missing file is a mismatch, not an error.
func verifyChecksum(path, sum string) (bool, error) {
	hexWant, ok := strings.CutPrefix(sum, "md5:")
	if !ok {
		return false, fmt.Errorf("unsupported checksum %q", sum)
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == hexWant, nil
}

// FetchUnzipped fetches a zip archive and unpacks it next to the cached
// copy, returning the extracted member paths in sorted order.
func (r *Registry) FetchUnzipped(ctx context.Context, name string) ([]string, error) {
	local, err := r.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	dir := local + ".unzip"
	members, err := unzip(local, dir)
	if err != nil {
		return nil, fmt.Errorf("registry: unpacking %s: %w", name, err)
	}
	sort.Strings(members)
	return members, nil
}
