package themeapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/utils"
)

const themesPrefix = "themes/"

// S3Gateway keeps every theme under themes/<id>/ of a single bucket. The
// ETag of a single part object is the md5 of its body, the same fingerprint
// the store computes.
type S3Gateway struct {
	s3Client *s3.Client
	bucket   string
}

func NewS3Gateway(s3Client *s3.Client, bucket string) *S3Gateway {
	return &S3Gateway{s3Client: s3Client, bucket: bucket}
}

func NewS3GatewayWithConfig(ctx context.Context, cfg *S3Config) (*S3Gateway, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	// a buildable client lets the sdk apply AWS_CA_BUNDLE to its transport
	httpClient := awshttp.NewBuildableClient().
		WithTimeout(30 * time.Second).
		WithTransportOptions(func(tr *http.Transport) {
			tr.MaxIdleConns = 64
			tr.MaxIdleConnsPerHost = 32
			tr.IdleConnTimeout = 90 * time.Second
		})

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
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

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// s3 compatible stores do not all speak the flexible checksum trailers
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewS3Gateway(s3Client, cfg.Bucket), nil
}

func themePrefix(themeID string) string {
	return themesPrefix + themeID + "/"
}

func objectKey(themeID, key string) string {
	return themePrefix(themeID) + key
}

func trimETag(etag *string) string {
	return strings.ReplaceAll(aws.ToString(etag), "\"", "")
}

func (s *S3Gateway) ListChecksums(ctx context.Context, themeID string) ([]theme.Checksum, error) {
	prefix := themePrefix(themeID)
	var checksums []theme.Checksum

	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			checksums = append(checksums, theme.Checksum{Key: key, Checksum: trimETag(obj.ETag)})
		}
	}

	slices.SortFunc(checksums, func(a, b theme.Checksum) int {
		return strings.Compare(a.Key, b.Key)
	})
	return checksums, nil
}

func (s *S3Gateway) FetchAsset(ctx context.Context, themeID, key string) (*theme.Asset, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(objectKey(themeID, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return theme.NewAsset(key, body), nil
}

func (s *S3Gateway) DeleteAsset(ctx context.Context, themeID, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(objectKey(themeID, key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *S3Gateway) UploadAsset(ctx context.Context, themeID string, asset *theme.Asset) (*theme.Checksum, error) {
	body := asset.Body()
	resp, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           aws.String(objectKey(themeID, asset.Key)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(utils.DetectContentType(asset.Key)),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", asset.Key, err)
	}

	checksum := trimETag(resp.ETag)
	if checksum == "" {
		checksum = theme.ComputeChecksum(body)
	}
	return &theme.Checksum{Key: asset.Key, Checksum: checksum}, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
