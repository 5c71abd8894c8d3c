package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/parquedb/parquedb/internal/types"
)

// S3Config configures the remote object store backend.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // non-empty for S3-compatible stores (MinIO etc.)
	// Static credentials; when empty the default chain is used.
	AccessKeyID     string
	SecretAccessKey string
	// CallTimeout bounds each individual storage call.
	CallTimeout time.Duration
}

// S3 is the remote object store backend. Single-key writes are atomic
// by the S3 contract; the uploader splits large segments into parts.
type S3 struct {
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	prefix      string
	callTimeout time.Duration
}

// NewS3 builds the backend from cfg using the SDK default chain unless
// static credentials are given.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, &types.ValidationError{Field: "bucket", Reason: "required"}
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &S3{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		callTimeout: cfg.CallTimeout,
	}, nil
}

func (s *S3) key(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return s.prefix + "/" + key, nil
}

func (s *S3) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

func (s *S3) Read(ctx context.Context, key string) ([]byte, error) {
	full, err := s.key(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
		}
		return nil, s.wrap("read", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrap("read", key, err)
	}
	return data, nil
}

func (s *S3) Write(ctx context.Context, key string, data []byte) error {
	full, err := s.key(key)
	if err != nil {
		return err
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return s.wrap("write", key, err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	full, err := s.key(key)
	if err != nil {
		return err
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	full, err := s.key(key)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrap("exists", key, err)
	}
	return true, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	full := prefix
	if s.prefix != "" {
		full = s.prefix + "/" + prefix
	}
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		pageCtx, cancel := s.withDeadline(ctx)
		page, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			return nil, s.wrap("list", prefix, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if s.prefix != "" {
				k = strings.TrimPrefix(k, s.prefix+"/")
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *S3) Stat(ctx context.Context, key string) (Info, error) {
	full, err := s.key(key)
	if err != nil {
		return Info{}, err
	}
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isNotFound(err) {
			return Info{}, fmt.Errorf("stat %q: %w", key, ErrNotFound)
		}
		return Info{}, s.wrap("stat", key, err)
	}
	info := Info{Key: key, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.ModTime = out.LastModified.UnixMilli()
	}
	return info, nil
}

func (s *S3) wrap(op, key string, err error) error {
	kind := types.StorageIO
	if errors.Is(err, context.DeadlineExceeded) {
		kind = types.StorageTimeout
	}
	return &types.StorageError{Kind: kind, Op: op, Key: key, Err: err}
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	return errors.As(err, &nf) || isNoSuchKey(err)
}
