package s3

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

const Scheme = "s3://"

// Resolver turns s3://bucket/key into a presigned HTTPS GET so the object is
// fetched through the ranged HTTP engine. Other URLs pass through unchanged.
// A fresh URL is signed on every call, so each outer pass gets a valid one.
type Resolver struct {
	cfg    ClientConfig
	expiry time.Duration

	once      sync.Once
	presigner Presigner
	initErr   error
}

func NewResolver(cfg ClientConfig) *Resolver {
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Resolver{cfg: cfg, expiry: expiry}
}

// NewResolverWithPresigner skips AWS config loading.
func NewResolverWithPresigner(p Presigner, expiry time.Duration) *Resolver {
	r := NewResolver(ClientConfig{Expiry: expiry})
	r.once.Do(func() { r.presigner = p })
	return r
}

func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	if !IsS3URL(rawURL) {
		return rawURL, nil
	}
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return "", err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("s3 url %s names a prefix, not an object", rawURL)
	}
	r.once.Do(func() {
		r.presigner, r.initErr = newPresigner(ctx, r.cfg)
	})
	if r.initErr != nil {
		return "", fmt.Errorf("error creating S3 client: %w", r.initErr)
	}
	signed, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning s3://%s/%s: %w", bucket, key, err)
	}
	log.Debug().Str("op", "s3/initial").Str("bucket", bucket).Str("key", key).Dur("expiry", r.expiry).Msg("presigned object url")
	return signed.URL, nil
}

func IsS3URL(rawURL string) bool {
	return strings.HasPrefix(rawURL, Scheme)
}

// FileName is the last key segment, used when no output path is given.
func FileName(rawURL string) string {
	_, key, err := parseS3URL(rawURL)
	if err != nil || key == "" {
		return ""
	}
	parts := strings.Split(strings.TrimSuffix(key, "/"), "/")
	return parts[len(parts)-1]
}

func parseS3URL(url string) (string, string, error) {
	url = strings.TrimPrefix(url, Scheme)
	parts := strings.SplitN(url, "/", 2)
	if len(parts) < 1 || parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URL format")
	}
	bucket := parts[0]
	key := ""
	if len(parts) > 1 {
		key = parts[1]
	}
	return bucket, key, nil
}
