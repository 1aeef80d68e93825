package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/syftvolume/internal/utils"
)

// S3Store keeps container bytes in one S3 bucket, one object per file item.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewS3StoreWithClient(client, cfg.Bucket), nil
}

func NewS3StoreWithClient(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	return translate(err)
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, translate(err)
	}

	return &ObjectInfo{
		Key:          key,
		ETag:         normalizeETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string, progress ProgressFunc) (*Object, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       &s.bucket,
		Key:          &key,
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, translate(err)
	}

	size := aws.ToInt64(resp.ContentLength)
	return &Object{
		ObjectInfo: ObjectInfo{
			Key:          key,
			ETag:         normalizeETag(aws.ToString(resp.ETag)),
			Size:         size,
			LastModified: aws.ToTime(resp.LastModified),
		},
		Body: withProgress(resp.Body, size, progress),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, params *PutParams) (*ObjectInfo, error) {
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &params.Key,
		Body:          newProgressReader(params.Body, params.Size, params.Progress),
		ContentLength: aws.Int64(params.Size),
		ContentType:   aws.String(utils.DetectContentType(params.Key)),
	})
	if err != nil {
		return nil, translate(err)
	}

	// PutObjectOutput carries no LastModified
	return &ObjectInfo{
		Key:          params.Key,
		ETag:         normalizeETag(aws.ToString(resp.ETag)),
		Size:         params.Size,
		LastModified: time.Now().UTC(),
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	return translate(err)
}

func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) (*ObjectInfo, error) {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		CopySource: aws.String(s.bucket + "/" + srcKey),
		Key:        &dstKey,
	})
	if err != nil {
		return nil, translate(err)
	}
	return s.Head(ctx, dstKey)
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: &s.bucket}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []*ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translate(err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, &ObjectInfo{
				Key:          aws.ToString(obj.Key),
				ETag:         normalizeETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// translate maps S3 not found responses onto ErrNotFound and leaves the rest intact.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound") {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

var _ Store = (*S3Store)(nil)
