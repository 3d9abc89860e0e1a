package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// S3Config holds the connection settings of an S3-compatible backend.
type S3Config struct {
	Endpoint  string // Empty means AWS
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string // Optional key prefix inside the bucket
	Capacity  int64  // Optional quota used for statistics
}

// ObjectStorage stores payloads as objects in an S3-compatible bucket.
// Metadata only holds the object key.
type ObjectStorage struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	prefix   string
	capacity int64
}

// NewObjectStorage creates the S3 strategy. It supports AWS S3 and S3-compatible
// services like MinIO.
func NewObjectStorage(ctx context.Context, cfg S3Config) (*ObjectStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &ObjectStorage{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		capacity: cfg.Capacity,
	}, nil
}

func (o *ObjectStorage) Type() string { return TypeS3 }

// objectKey derives the key of a record. Records stored earlier keep the key their
// locator names even if the prefix changes later.
func (o *ObjectStorage) objectKey(rec model.FileRecord) string {
	if key, ok := strings.CutPrefix(rec.StoragePath, "s3://"+o.bucket+"/"); ok && key != "" {
		return key
	}
	return path.Join(o.prefix, rec.Bucket, rec.FileID+rec.Extension)
}

func (o *ObjectStorage) locator(key string) string {
	return "s3://" + o.bucket + "/" + key
}

func (o *ObjectStorage) Store(ctx context.Context, rec model.FileRecord, payload []byte) (string, error) {
	key := o.objectKey(rec)
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(rec.MimeType),
		Metadata: map[string]string{
			"file-id": rec.FileID,
			"md5":     rec.MD5,
			"sha256":  rec.SHA256,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return o.locator(key), nil
}

func (o *ObjectStorage) Retrieve(ctx context.Context, rec model.FileRecord) ([]byte, error) {
	key := o.objectKey(rec)
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return b, nil
}

// Delete relies on S3 treating deletes of absent keys as success.
func (o *ObjectStorage) Delete(ctx context.Context, rec model.FileRecord) error {
	key := o.objectKey(rec)
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (o *ObjectStorage) Exists(ctx context.Context, rec model.FileRecord) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.objectKey(rec)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object: %w", err)
	}
	return true, nil
}

func (o *ObjectStorage) AccessURL(ctx context.Context, rec model.FileRecord, ttl time.Duration) (string, error) {
	return o.presignGet(ctx, rec, ttl, "inline")
}

func (o *ObjectStorage) DownloadURL(ctx context.Context, rec model.FileRecord, ttl time.Duration) (string, error) {
	return o.presignGet(ctx, rec, ttl, "attachment")
}

func (o *ObjectStorage) presignGet(ctx context.Context, rec model.FileRecord, ttl time.Duration, disp string) (string, error) {
	in := &s3.GetObjectInput{
		Bucket:                     aws.String(o.bucket),
		Key:                        aws.String(o.objectKey(rec)),
		ResponseContentDisposition: aws.String(mime.FormatMediaType(disp, map[string]string{"filename": rec.OriginalName})),
	}
	if rec.MimeType != "" {
		in.ResponseContentType = aws.String(rec.MimeType)
	}
	req, err := o.presign.PresignGetObject(ctx, in, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

func (o *ObjectStorage) Copy(ctx context.Context, src, dst model.FileRecord) (string, error) {
	srcKey := o.objectKey(src)
	dstKey := o.objectKey(dst)
	_, err := o.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(o.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(o.bucket) + "/" + escapeKey(srcKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("copy object %s -> %s: %w", srcKey, dstKey, err)
	}
	return o.locator(dstKey), nil
}

func (o *ObjectStorage) Move(ctx context.Context, src, dst model.FileRecord) (string, error) {
	return move(ctx, o, src, dst)
}

// ValidateConfiguration checks that the bucket is reachable with the configured credentials.
func (o *ObjectStorage) ValidateConfiguration(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	return err == nil
}

// Statistics walks the prefix. Failures yield zeros.
func (o *ObjectStorage) Statistics(ctx context.Context) model.StorageStatistics {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(o.bucket)}
	if o.prefix != "" {
		in.Prefix = aws.String(o.prefix + "/")
	}

	var files, size int64
	p := s3.NewListObjectsV2Paginator(o.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return model.StorageStatistics{}
		}
		for _, obj := range page.Contents {
			files++
			size += aws.ToInt64(obj.Size)
		}
	}
	return usage(files, size, o.capacity)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// escapeKey escapes each segment of an object key for use in a copy source.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
