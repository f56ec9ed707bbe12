package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/google/uuid"
)

var (
	log = logger.Get("ObjectStore")

	ErrObjectStore = errors.New("object store failure")
)

type (
	Config struct {
		Endpoint        string        `yaml:"endpoint" env:"OBJECT_STORAGE_ENDPOINT"`
		Region          string        `yaml:"region" env:"OBJECT_STORAGE_REGION" env-default:"us-east-1"`
		Bucket          string        `yaml:"bucket" env:"OBJECT_STORAGE_BUCKET" env-default:"downloads" validate:"required"`
		AccessKeyID     string        `yaml:"access_key_id" env:"OBJECT_STORAGE_ACCESS_KEY_ID"`
		SecretAccessKey string        `yaml:"secret_access_key" env:"OBJECT_STORAGE_SECRET_ACCESS_KEY"`
		UsePathStyle    bool          `yaml:"use_path_style" env:"OBJECT_STORAGE_USE_PATH_STYLE" env-default:"true"`
		MaxRetries      int           `yaml:"max_retries" env:"OBJECT_STORAGE_MAX_RETRIES" env-default:"3" validate:"min=1"`
		Timeout         time.Duration `yaml:"timeout" env:"OBJECT_STORAGE_TIMEOUT" env-default:"10m"`
	}

	// S3Store stores fetched artifacts in a single S3 (or S3 compatible,
	// such as MinIO) bucket.
	S3Store struct {
		client *s3.Client
		bucket string
	}
)

// ObjectKey is the key under which the artifact for a request is stored. Keys
// are namespaced by request so that two requests resolving to the same title
// cannot overwrite one another.
func ObjectKey(id uuid.UUID, artifactName string) string {
	return id.String() + "/" + artifactName
}

// New builds an S3 client from the config provided, and ensures
// the configured bucket exists (creating it if not).
func New(ctx context.Context, config Config) (*S3Store, error) {
	awsCfg, err := buildAWSConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build AWS config: %w", ErrObjectStore, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = config.UsePathStyle
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})

	store := &S3Store{client: client, bucket: config.Bucket}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.ensureBucketExists(checkCtx); err != nil {
		return nil, err
	}

	log.Emit(logger.SUCCESS, "Object storage ready (bucket %s)\n", config.Bucket)
	return store, nil
}

// Put uploads the body under key, replacing any existing object.
func (store *S3Store) Put(ctx context.Context, key string, body io.Reader) error {
	start := time.Now()
	_, err := store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		metrics.ObjectStoreOperations.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("%w: failed to put object %s: %w", ErrObjectStore, key, err)
	}

	metrics.ObjectStoreOperations.WithLabelValues("put", "ok").Inc()
	log.Emit(logger.DEBUG, "Stored object %s in %s\n", key, time.Since(start).Round(time.Millisecond))
	return nil
}

// Get downloads the object stored under key. An absent object is
// reported by returning false rather than an error.
func (store *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	result, err := store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			metrics.ObjectStoreOperations.WithLabelValues("get", "not_found").Inc()
			return nil, false, nil
		}

		metrics.ObjectStoreOperations.WithLabelValues("get", "error").Inc()
		return nil, false, fmt.Errorf("%w: failed to get object %s: %w", ErrObjectStore, key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		metrics.ObjectStoreOperations.WithLabelValues("get", "error").Inc()
		return nil, false, fmt.Errorf("%w: failed to read object %s: %w", ErrObjectStore, key, err)
	}

	metrics.ObjectStoreOperations.WithLabelValues("get", "ok").Inc()
	return data, true, nil
}

func (store *S3Store) ensureBucketExists(ctx context.Context) error {
	_, err := store.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(store.bucket)})
	if err == nil {
		return nil
	}

	if !isNotFoundError(err) {
		return fmt.Errorf("%w: failed to check bucket %s: %w", ErrObjectStore, store.bucket, err)
	}

	log.Emit(logger.NEW, "Bucket %s does not exist, creating\n", store.bucket)
	if _, err := store.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(store.bucket)}); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("%w: failed to create bucket %s: %w", ErrObjectStore, store.bucket, err)
	}

	return nil
}

func buildAWSConfig(ctx context.Context, config Config) (aws.Config, error) {
	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(config.MaxRetries),
		awsconfig.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}

	if config.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(config.Region))
	}

	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	return awsconfig.LoadDefaultConfig(ctx, optFns...)
}

// isNotFoundError reports whether err describes a missing object or bucket.
// MinIO does not always return the modelled error types, so the raw API
// error code is checked as well.
func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}

	return false
}
