package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"confgraph/internal/graph"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps one object per artifact under "<environment>/<uri>".
type S3Store struct {
	client      *minio.Client
	bucketName  string
	region      string
	environment string
	initOnce    sync.Once
	initErr     error
}

func NewS3Store(cfg S3Config, environment string) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:      client,
		bucketName:  bucket,
		region:      region,
		environment: environmentOrDefault(environment),
	}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("store is nil")
	}
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) Load(ctx context.Context) ([]graph.Record, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := s.environment + "/"
	var records []graph.Record
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		uri := uriFromKey(s.environment, obj.Key)
		content, err := s.get(ctx, uri)
		if err != nil {
			return nil, err
		}
		records = append(records, graph.Record{URI: uri, Content: content, Modified: obj.LastModified})
	}
	return records, nil
}

func (s *S3Store) ReloadContent(ctx context.Context, uri string) ([]byte, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	return s.get(ctx, uri)
}

func (s *S3Store) get(ctx context.Context, uri string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, objectKey(s.environment, uri), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, &graph.NotFoundError{URI: uri}
		}
		return nil, err
	}
	return data, nil
}

func (s *S3Store) WriteBackChanges(ctx context.Context, changes []graph.Change) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	for _, c := range changes {
		key := objectKey(s.environment, c.URI)
		if c.Kind == graph.ChangeDelete {
			if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("delete %s: %w", c.URI, err)
			}
			continue
		}
		content := c.Content
		if content == nil {
			content = []byte{}
		}
		_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return fmt.Errorf("%s %s: %w", c.Kind, c.URI, err)
		}
	}
	return nil
}

func objectKey(environment, uri string) string {
	normalized := strings.TrimLeft(graph.CleanURI(uri), "/")
	return strings.TrimSpace(environment) + "/" + normalized
}

func uriFromKey(environment, key string) string {
	return graph.CleanURI(strings.TrimPrefix(key, strings.TrimSpace(environment)+"/"))
}
