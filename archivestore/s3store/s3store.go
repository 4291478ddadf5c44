// Package s3store implements archivestore.Store against an S3 (or
// S3-compatible, e.g. R2/MinIO) bucket, grounded on the AWS SDK
// wiring the teacher uses for its Lode S3 backend.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/justapithecus/safe-run/types"
)

// Config holds configuration for the S3 archive backend.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible providers.
	UsePathStyle bool
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 bucket is required")
	}
	return nil
}

// api is the subset of the S3 client Store needs, so tests can fake it
// without standing up a real bucket.
type api interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store is an archivestore.Store backed by an S3 bucket. Each bundle
// and the index are individual objects; the index is read-modify-write,
// matching the archiver's single-writer contract.
type S3Store struct {
	client api
	cfg    Config
}

// New loads AWS config (default credential chain: env vars, shared
// config, IAM role) and constructs an S3Store.
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = &endpoint })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &S3Store{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg}, nil
}

func (s *S3Store) key(parts ...string) string {
	return path.Join(append([]string{s.cfg.Prefix}, parts...)...)
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) WriteReport(ctx context.Context, bundleID string, data []byte) error {
	if err := s.put(ctx, s.key(bundleID, "run_report.json"), data); err != nil {
		return fmt.Errorf("put bundle %s: %w", bundleID, err)
	}
	return nil
}

func (s *S3Store) ReadReport(ctx context.Context, bundleID string) ([]byte, error) {
	data, err := s.get(ctx, s.key(bundleID, "run_report.json"))
	if err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", bundleID, err)
	}
	return data, nil
}

func (s *S3Store) ReadIndex(ctx context.Context) (types.ArchiveIndex, error) {
	data, err := s.get(ctx, s.key("index.json"))
	if isNoSuchKey(err) {
		return types.ArchiveIndex{}, nil
	}
	if err != nil {
		return types.ArchiveIndex{}, fmt.Errorf("get index: %w", err)
	}
	var index types.ArchiveIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return types.ArchiveIndex{}, fmt.Errorf("decode index: %w", err)
	}
	return index, nil
}

func (s *S3Store) WriteIndex(ctx context.Context, index types.ArchiveIndex) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := s.put(ctx, s.key("index.json"), data); err != nil {
		return fmt.Errorf("put index: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}
