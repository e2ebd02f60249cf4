package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/OFFIS-RIT/modelgraph/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func init() {
	_ = mime.AddExtensionType(".export", "application/n-triples")
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type NewS3ClientParams struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func NewS3Client(ctx context.Context, params NewS3ClientParams) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

// Mirror copies sealed run directories to a bucket under
// <prefix>/<run id>/<file>.
type Mirror struct {
	client S3API
	bucket string
	prefix string
}

func NewMirror(client S3API, bucket, prefix string) *Mirror {
	return &Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (m *Mirror) key(runID, name string) string {
	if m.prefix == "" {
		return path.Join(runID, name)
	}
	return path.Join(m.prefix, runID, name)
}

// UploadRun uploads every regular file of dir that is not yet in the bucket
// and returns the keys written. Objects that already exist are left alone.
func (m *Mirror) UploadRun(ctx context.Context, runID, dir string) ([]string, error) {
	existing, err := ListFilesWithPrefix(ctx, m.client, m.bucket, m.key(runID, "")+"/")
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, k := range existing {
		have[k] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read run dir %s: %w", dir, err)
	}

	var written []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key := m.key(runID, e.Name())
		if have[key] {
			logger.Debug("[Storage] Object exists, skipping", "key", key)
			continue
		}
		if err := m.putFile(ctx, key, filepath.Join(dir, e.Name())); err != nil {
			return written, err
		}
		written = append(written, key)
	}

	logger.Info("[Storage] Mirrored run artifacts", "run_id", runID, "bucket", m.bucket, "objects", len(written))
	return written, nil
}

func (m *Mirror) putFile(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	mimeType := mime.TypeByExtension(filepath.Ext(file))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file to S3: %w", err)
	}
	return nil
}

func ListFilesWithPrefix(ctx context.Context, client S3API, bucket, prefix string) ([]string, error) {
	var keys []string
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}

		for _, obj := range listOutput.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}

	return keys, nil
}
