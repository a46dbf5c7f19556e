// Package s3 stores product images in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/catalog"
)

var (
	_ catalog.FileStorage  = (*Storage)(nil)
	_ catalog.ObjectLister = (*Storage)(nil)
)

// Object metadata marking who wrote an object. Objects stored through the
// API carry SourceAPI; anything else was written out of band.
const (
	MetadataSource = "source"
	SourceAPI      = "api"
)

// ErrObjectNotFound is returned by Metadata for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// API is the subset of the S3 client used by Storage.
type API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *awss3.CreateBucketInput, optFns ...func(*awss3.Options)) (*awss3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Presigner creates time-limited GET URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config configures the S3 client.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint, e.g. MinIO or LocalStack
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// Storage implements catalog.FileStorage on top of S3.
type Storage struct {
	api     API
	presign Presigner
	bucket  string
	region  string
}

// New creates a Storage from explicit clients.
func New(api API, presign Presigner, bucket, region string) *Storage {
	return &Storage{
		api:     api,
		presign: presign,
		bucket:  bucket,
		region:  region,
	}
}

// Open loads AWS configuration and creates a Storage. Static credentials are
// used when both keys are set; otherwise the default chain applies.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return New(client, awss3.NewPresignClient(client), cfg.Bucket, cfg.Region), nil
}

// Store writes data under key, tagged with SourceAPI.
func (s *Storage) Store(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{MetadataSource: SourceAPI},
	})
	if err != nil {
		return errors.Wrapf(err, "put object %q", key)
	}
	return nil
}

// Metadata returns the user metadata of key.
func (s *Storage) Metadata(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, errors.Wrapf(ErrObjectNotFound, "head object %q", key)
		}
		return nil, errors.Wrapf(err, "head object %q", key)
	}
	return out.Metadata, nil
}

// PresignedURL returns a GET URL for key valid for ttl.
func (s *Storage) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", errors.Wrapf(err, "presign %q", key)
	}
	return req.URL, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	if _, err := s.api.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}

	in := &awss3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint.
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.api.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return errors.Wrapf(err, "create bucket %q", s.bucket)
	}

	zctx.From(ctx).Info("Bucket created", zap.String("bucket", s.bucket))
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return errors.Wrapf(err, "head bucket %q", s.bucket)
	}
	return nil
}

// ListObjects returns every object in the bucket.
func (s *Storage) ListObjects(ctx context.Context) ([]catalog.StoredObject, error) {
	var out []catalog.StoredObject
	p := awss3.NewListObjectsV2Paginator(s.api, &awss3.ListObjectsV2Input{Bucket: aws.String(s.bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list objects")
		}
		for _, obj := range page.Contents {
			out = append(out, catalog.StoredObject{
				Key:          aws.ToString(obj.Key),
				LastModified: aws.ToTime(obj.LastModified),
				Size:         aws.ToInt64(obj.Size),
			})
		}
	}
	return out, nil
}
