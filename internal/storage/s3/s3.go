// Package s3 provides a Lister over an S3-compatible bucket, treating "/" in
// object keys as the directory separator.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/metrics"
	"github.com/fruitsalade/nsmirror/internal/model"
	"github.com/fruitsalade/nsmirror/internal/retry"
	"github.com/fruitsalade/nsmirror/internal/storage"
)

// Config is the JSON-serializable S3 lister configuration.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`    // key prefix holding the namespace
	Namespace string `json:"namespace"` // namespace path mapped onto Prefix, default "/"
}

// Lister implements storage.Lister using ListObjectsV2 with a "/" delimiter.
type Lister struct {
	cfg       Config
	namespace string
	prefix    string
	client    *s3.Client
	retry     retry.Config
	logger    *zap.Logger
}

// New creates an S3 lister. The client is built by Connect.
func New(cfg Config, logger *zap.Logger) (*Lister, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Lister{
		cfg:       cfg,
		namespace: model.CleanPath(cfg.Namespace),
		prefix:    prefix,
		retry:     retry.DefaultConfig(),
		logger:    logging.Named(logger, "storage.s3"),
	}, nil
}

// NewFromJSON creates a Lister from raw JSON config.
func NewFromJSON(raw json.RawMessage, logger *zap.Logger) (*Lister, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(cfg, logger)
}

// Connect builds the S3 client and verifies the bucket is reachable.
func (l *Lister) Connect(ctx context.Context) error {
	opts := []func(*config.LoadOptions) error{config.WithRegion(l.cfg.Region)}
	if l.cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(l.cfg.AccessKey, l.cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	l.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if l.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(l.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	start := time.Now()
	_, err = l.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(l.cfg.Bucket)})
	metrics.RecordStorageOperation(l.Type(), "head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", l.cfg.Bucket, err)
	}

	l.logger.Info("s3 lister ready",
		zap.String("bucket", l.cfg.Bucket),
		zap.String("prefix", l.prefix),
		zap.String("namespace", l.namespace))
	return nil
}

// keyPrefix maps a namespace directory onto the object key prefix listing
// its children.
func (l *Lister) keyPrefix(p string) (string, bool) {
	if !model.Within(l.namespace, p) {
		return "", false
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(p, l.namespace), "/")
	if rel == "" {
		return l.prefix, true
	}
	return l.prefix + rel + "/", true
}

// List returns the children of namespace directory p.
func (l *Lister) List(ctx context.Context, p string) ([]model.Entry, error) {
	if l.client == nil {
		return nil, fmt.Errorf("s3 lister not connected")
	}
	p = model.CleanPath(p)
	prefix, ok := l.keyPrefix(p)
	if !ok {
		return nil, storage.NotFound(p)
	}

	start := time.Now()
	entries, err := retry.DoWithResult(ctx, l.retry, func() ([]model.Entry, error) {
		return l.list(ctx, p, prefix)
	})
	metrics.RecordStorageOperation(l.Type(), "list", time.Since(start), err == nil || errors.Is(err, storage.ErrNotFound))
	if err != nil {
		if retry.IsRetryable(err) {
			return nil, &storage.TransientError{Op: "list", Path: p, Err: err}
		}
		return nil, err
	}
	return entries, nil
}

func (l *Lister) list(ctx context.Context, p, prefix string) ([]model.Entry, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(l.cfg.Bucket),
		Delimiter: aws.String("/"),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var (
		entries []model.Entry
		exists  = p == l.namespace
	)
	paginator := s3.NewListObjectsV2Paginator(l.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		pageEntries, marker, err := entriesFromPage(p, prefix, page)
		if err != nil {
			return nil, err
		}
		if marker || len(pageEntries) > 0 {
			exists = true
		}
		entries = append(entries, pageEntries...)
	}

	if !exists {
		return nil, storage.NotFound(p)
	}
	l.logger.Debug("listed prefix",
		zap.String("path", p),
		zap.String("prefix", prefix),
		zap.Int("entries", len(entries)))
	return entries, nil
}

// entriesFromPage converts one ListObjectsV2 page into entries below p.
// marker reports whether the directory placeholder object itself was seen.
func entriesFromPage(p, prefix string, page *s3.ListObjectsV2Output) (entries []model.Entry, marker bool, err error) {
	for _, cp := range page.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		e, err := model.NewDir(model.ChildPath(p, name), time.Time{}, time.Time{})
		if err != nil {
			return nil, false, err
		}
		entries = append(entries, e)
	}
	for _, obj := range page.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			marker = true
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		sum := strings.Trim(aws.ToString(obj.ETag), `"`)
		if sum == "" {
			sum = "-"
		}
		mtime := aws.ToTime(obj.LastModified)
		e, err := model.NewFile(model.ChildPath(p, name), aws.ToInt64(obj.Size), sum, mtime, mtime)
		if err != nil {
			return nil, false, err
		}
		entries = append(entries, e)
	}
	return entries, marker, nil
}

// classify marks throttling and server-side failures as retryable.
func classify(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= 500 {
			return retry.Retryable(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// connection level failures carry no HTTP response
	return retry.Retryable(err)
}

// Type returns "s3".
func (l *Lister) Type() string { return "s3" }

// Close is a no-op for S3 listers.
func (l *Lister) Close() error { return nil }
