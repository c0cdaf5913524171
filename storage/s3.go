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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/supersign/interfaces"
)

// S3Storage implements a key-value store on Amazon S3 or a compatible service.
// Objects are written private and server-side encrypted.
type S3Storage struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Storage creates a new S3 store. Without static credentials the default AWS
// credential chain is used.
func NewS3Storage(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Storage, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}

	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Storage{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		log:        log,
	}, nil
}

// Data fetches the object stored under key.
// Returns ErrNotFound if the object doesn't exist.
func (s *S3Storage) Data(ctx context.Context, key string) ([]byte, error) {
	objectKey := s.objectKey(key)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, interfaces.ErrNotFound
		}

		s.log.Error("Failed to get object from S3",
			slog.String("bucket", s.bucketName),
			slog.String("key", objectKey),
			"err", err)
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	s.log.Debug("Fetched value from S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", objectKey),
		slog.Int("size", len(data)))

	return data, nil
}

// SetData uploads value under key. A nil value deletes the object.
func (s *S3Storage) SetData(ctx context.Context, key string, value []byte) error {
	objectKey := s.objectKey(key)

	if value == nil {
		_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			return fmt.Errorf("failed to delete object from S3: %w", err)
		}
		return nil
	}

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucketName),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(value),
		ACL:                  aws.String(s3.ObjectCannedACLPrivate),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	s.log.Debug("Stored value in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", objectKey))

	return nil
}

// Name returns a unique identifier for this storage backend.
func (s *S3Storage) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

func (s *S3Storage) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}
