package registry

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror is an S3-compatible object store holding a copy of the
// reference data. It serves downloads for "s3://" bases and doubles
// as a fallback when the public HTTP endpoint is unreachable.
type Mirror struct {
	// EndpointURL is the store URL, e.g. "https://mirror.example.org".
	EndpointURL string
	Bucket      string
	// Prefix is prepended to object names, usually "<instrument>/<version>/".
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string

	client *minio.Client
}

// MirrorFromURL builds a mirror from an "s3://bucket/prefix" base.
// Credentials and a non-AWS endpoint come from the environment
// (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, ESS_S3_ENDPOINT).
func MirrorFromURL(s string) (*Mirror, error) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("registry: invalid s3 mirror URL %q", s)
	}
	endpoint := os.Getenv("ESS_S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "https://s3.amazonaws.com"
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Mirror{
		EndpointURL:     endpoint,
		Bucket:          u.Host,
		Prefix:          prefix,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}, nil
}

func (m *Mirror) connect() (*minio.Client, error) {
	if m.client != nil {
		return m.client, nil
	}
	u, err := url.Parse(m.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid mirror endpoint: %w", err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = m.EndpointURL
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(m.AccessKeyID, m.SecretAccessKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connecting to mirror: %w", err)
	}
	m.client = client
	return client, nil
}

func (m *Mirror) download(ctx context.Context, name, dest string) error {
	client, err := m.connect()
	if err != nil {
		return err
	}
	key := m.Prefix + name
	if err := client.FGetObject(ctx, m.Bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("registry: mirror download of %s: %w", key, err)
	}
	return nil
}
