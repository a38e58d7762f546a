package artifact

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
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client abstracts the S3 operations used by S3Store.
// *s3.Client satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps artifacts in an S3 or S3-compatible bucket. When no public
// base URL is configured, URLs point at URLPrefix and the service proxies
// the object through Open.
type S3Store struct {
	client S3Client
	cfg    S3Config
}

// S3Config configures an S3Store
type S3Config struct {
	Bucket        string
	Prefix        string // key prefix, no trailing slash
	URLPrefix     string // service route used when PublicBaseURL is empty
	PublicBaseURL string // direct bucket or CDN URL
}

// NewS3 creates an S3-backed store
func NewS3(client S3Client, cfg S3Config) *S3Store {
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3Store{client: client, cfg: cfg}
}

// S3Options configures NewS3Client
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewS3Client builds an S3 client from the default AWS credential chain
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

func (s *S3Store) key(name string) string {
	if s.cfg.Prefix == "" {
		return name
	}
	return s.cfg.Prefix + "/" + name
}

// Save implements Store. The body is read fully so PutObject gets a
// seekable payload with a known length.
func (s *S3Store) Save(ctx context.Context, name, contentType string, r io.Reader) (Info, error) {
	if err := ValidateName(name); err != nil {
		return Info{}, err
	}
	if contentType == "" {
		contentType = ContentTypeFor(name)
	}

	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return Info{}, fmt.Errorf("failed to read artifact: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return Info{}, fmt.Errorf("s3 put %s: %w", name, err)
	}

	return Info{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		URL:         s.URL(name),
		CreatedAt:   time.Now(),
	}, nil
}

// Open implements Store
func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, Info, error) {
	if err := ValidateName(name); err != nil {
		return nil, Info{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, Info{}, fmt.Errorf("s3 get %s: %w", name, err)
	}

	info := Info{
		Name:        name,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		URL:         s.URL(name),
		CreatedAt:   aws.ToTime(out.LastModified),
	}
	if info.ContentType == "" {
		info.ContentType = ContentTypeFor(name)
	}
	return out.Body, info, nil
}

// URL implements Store
func (s *S3Store) URL(name string) string {
	if s.cfg.PublicBaseURL != "" {
		return joinURL(s.cfg.PublicBaseURL, s.key(name))
	}
	return joinURL(s.cfg.URLPrefix, name)
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
