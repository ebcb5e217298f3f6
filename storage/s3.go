package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// S3PassStore implements a pass library on Amazon S3 or a compatible service.
// Passes are private objects under <prefix>/<serial>.json.
type S3PassStore struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3PassStore creates a new S3 pass store. Without static credentials the
// default AWS credential chain (environment, shared config, instance role) is used.
func NewS3PassStore(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3PassStore, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
	}
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		// Most S3-compatible services don't support virtual-host addressing.
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3PassStore{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Put uploads the pass document.
func (b *S3PassStore) Put(ctx context.Context, pass interfaces.ProvisionedPass) error {
	data, err := encodePass(pass)
	if err != nil {
		return err
	}

	key := b.getObjectKey(pass.SerialNumber)
	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored pass in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))
	return nil
}

// List pages through the prefix and fetches every pass document.
func (b *S3PassStore) List(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	start := time.Now()

	var keys []string
	listPrefix := ""
	if b.prefix != "" {
		listPrefix = b.prefix + "/"
	}
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(listPrefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.StringValue(obj.Key), passFileSuffix) {
				keys = append(keys, aws.StringValue(obj.Key))
			}
		}
		return true
	})
	if err != nil {
		b.log.Error("Failed to list objects in S3",
			slog.String("bucket", b.bucketName),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	passes := make([]interfaces.ProvisionedPass, 0, len(keys))
	for _, key := range keys {
		data, err := b.fetch(ctx, key)
		if errors.Is(err, interfaces.ErrPassNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		pass, err := decodePass(data)
		if err != nil {
			b.log.Warn("Skipping malformed pass object", slog.String("key", key), "err", err)
			continue
		}
		passes = append(passes, pass)
	}

	b.log.Debug("Listed passes from S3",
		slog.String("bucket", b.bucketName),
		slog.Int("count", len(passes)),
		slog.Duration("duration", time.Since(start)))
	return passes, nil
}

// Delete removes the pass object. S3 deletes are idempotent, so existence is
// checked first to report ErrPassNotFound.
func (b *S3PassStore) Delete(ctx context.Context, serialNumber string) error {
	if err := validateSerial(serialNumber); err != nil {
		return err
	}

	key := b.getObjectKey(serialNumber)
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return interfaces.ErrPassNotFound
	} else if err != nil {
		return fmt.Errorf("failed to head object in S3: %w", err)
	}

	if _, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3PassStore) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3PassStore) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3PassStore) LocationURI() string {
	return b.locationURI
}

func (b *S3PassStore) fetch(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, interfaces.ErrPassNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (b *S3PassStore) getObjectKey(serialNumber string) string {
	name := serialNumber + passFileSuffix
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
}
