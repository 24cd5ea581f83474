// Package cache fetches firmware packages from local paths, HTTP servers or
// S3 buckets and keeps downloaded ones on disk.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ulikunitz/xz"
)

var ErrUnsupported = errors.New("unsupported source")

// S3Config is how to reach the object store behind s3:// sources.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
	UseSSL          bool   `mapstructure:"use-ssl"`
	Region          string `mapstructure:"region"`
}

// Cache keeps remote packages in Dir, keyed by their source.
type Cache struct {
	Dir  string
	S3   *S3Config
	HTTP *http.Client
}

// New returns a cache in the user's data directory.
func New() *Cache {
	return &Cache{
		Dir:  filepath.Join(xdg.DataHome, "huddly", "packages"),
		HTTP: http.DefaultClient,
	}
}

// Get returns the contents of src, which is a local path, an http(s) URL or
// an s3://bucket/key URL. Remote sources are downloaded once and then served
// from disk. Sources ending in .xz are decompressed.
func (c *Cache) Get(ctx context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		p := src
		if err == nil && u.Scheme == "file" {
			p = u.Path
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		return decompress(src, data)
	}

	fspath := c.pathFor(src)
	if _, err := os.Stat(fspath); err == nil {
		glog.Infof("Using cached %s at %s", src, fspath)
		return os.ReadFile(fspath)
	}

	var data []byte
	switch u.Scheme {
	case "http", "https":
		data, err = c.getHTTP(ctx, src)
	case "s3":
		data, err = c.getS3(ctx, u)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, src)
	}
	if err != nil {
		return nil, err
	}
	data, err = decompress(src, data)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fspath), 0755); err != nil {
		glog.Errorf("Could not create cache directory: %v", err)
		return data, nil
	}
	tmp := fspath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		glog.Errorf("Could not cache %s: %v", src, err)
		return data, nil
	}
	if err := os.Rename(tmp, fspath); err != nil {
		glog.Errorf("Could not cache %s: %v", src, err)
		os.Remove(tmp)
	}
	return data, nil
}

func (c *Cache) getHTTP(ctx context.Context, src string) ([]byte, error) {
	glog.Infof("Downloading %s...", src)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not download %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("could not download %s: %s", src, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not download %s: %w", src, err)
	}
	return data, nil
}

// parseS3 splits an s3:// URL into bucket and object key.
func parseS3(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q needs a bucket and a key", ErrUnsupported, u)
	}
	return bucket, key, nil
}

func (c *Cache) getS3(ctx context.Context, u *url.URL) ([]byte, error) {
	bucket, key, err := parseS3(u)
	if err != nil {
		return nil, err
	}
	if c.S3 == nil || c.S3.Endpoint == "" {
		return nil, fmt.Errorf("no S3 endpoint configured for %s", u)
	}
	client, err := minio.New(c.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.S3.AccessKeyID, c.S3.SecretAccessKey, ""),
		Secure: c.S3.UseSSL,
		Region: c.S3.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	glog.Infof("Downloading %s from %s...", u, c.S3.Endpoint)
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("could not get %s: %w", u, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("could not download %s: %w", u, err)
	}
	return data, nil
}

func decompress(src string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(src, ".xz") {
		return data, nil
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", src, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", src, err)
	}
	return out, nil
}

func (c *Cache) pathFor(src string) string {
	s := sha256.New()
	fmt.Fprintf(s, "%s", src)
	name := hex.EncodeToString(s.Sum(nil))
	return filepath.Join(c.Dir, name+".hpk")
}
