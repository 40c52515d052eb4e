package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// Target kinds.
const (
	KindLocal = "local"
	KindS3    = "s3"
	KindMinio = "minio"
)

// Target is a parsed push destination.
//
//	/some/dir                       local directory
//	s3://bucket/prefix              AWS S3 with the default credential chain
//	http(s)://host:port/bucket/pfx  S3-compatible endpoint (MinIO)
type Target struct {
	Kind     string
	Dir      string
	Endpoint string
	Bucket   string
	Prefix   string
	Secure   bool
}

func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("empty push target")
	}

	switch {
	case strings.HasPrefix(raw, "s3://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(raw, "s3://"))
		if bucket == "" {
			return Target{}, fmt.Errorf("s3 target %q has no bucket", raw)
		}
		return Target{Kind: KindS3, Bucket: bucket, Prefix: prefix}, nil

	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("invalid endpoint target %q: %w", raw, err)
		}
		bucket, prefix := splitBucket(strings.TrimPrefix(u.Path, "/"))
		if u.Host == "" || bucket == "" {
			return Target{}, fmt.Errorf("endpoint target %q needs host and bucket", raw)
		}
		return Target{Kind: KindMinio, Endpoint: u.Host, Bucket: bucket, Prefix: prefix, Secure: u.Scheme == "https"}, nil
	}

	return Target{Kind: KindLocal, Dir: raw}, nil
}

func splitBucket(s string) (bucket, prefix string) {
	parts := strings.SplitN(s, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

// Open builds the BlobStore for t. Credentials for endpoint targets come from
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY, falling back to the MinIO root pair.
func (t Target) Open(ctx context.Context) (BlobStore, error) {
	switch t.Kind {
	case KindLocal:
		return NewLocalStore(t.Dir), nil
	case KindS3:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config for push: %w", err)
		}
		return NewS3Store(cfg, t.Bucket, ""), nil
	case KindMinio:
		return NewMinioStore(MinioConfig{
			Endpoint:  t.Endpoint,
			Region:    os.Getenv("AWS_REGION"),
			AccessKey: firstEnv("AWS_ACCESS_KEY_ID", "MINIO_ROOT_USER"),
			SecretKey: firstEnv("AWS_SECRET_ACCESS_KEY", "MINIO_ROOT_PASSWORD"),
			Bucket:    t.Bucket,
			UseSSL:    t.Secure,
		})
	}
	return nil, fmt.Errorf("unknown target kind %q", t.Kind)
}

func (t Target) String() string {
	switch t.Kind {
	case KindS3:
		return "s3://" + joinKey(t.Bucket, t.Prefix)
	case KindMinio:
		scheme := "http://"
		if t.Secure {
			scheme = "https://"
		}
		return scheme + t.Endpoint + "/" + joinKey(t.Bucket, t.Prefix)
	}
	return t.Dir
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func joinKey(parts ...string) string {
	var out []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
