// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// S3Config configures the Archiver's connection to the cold-storage bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	KMSKeyARN       string
}

type awsS3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archiver asynchronously uploads cleaned, finalized segments to S3 for
// cold-tier retention once they've been swapped into a Log. It is strictly
// additive: a broker that never constructs one runs the disk-resident core
// unaffected, and upload failures are logged, not propagated, since the
// on-disk copy remains authoritative.
type Archiver struct {
	bucket    string
	kmsKey    string
	api       awsS3API
	logger    *slog.Logger
	sem       *semaphore.Weighted
	inflight  errgroup.Group
}

// NewArchiver builds an Archiver backed by a real AWS S3 client.
func NewArchiver(ctx context.Context, cfg S3Config, maxConcurrentUploads int64, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archiver: s3 bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("archiver: s3 region required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrentUploads <= 0 {
		maxConcurrentUploads = 4
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: cfg.Endpoint, PartitionID: "aws", SigningRegion: cfg.Region}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archiver: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = cfg.ForcePathStyle })

	return &Archiver{
		bucket: cfg.Bucket,
		kmsKey: cfg.KMSKeyARN,
		api:    client,
		logger: logger,
		sem:    semaphore.NewWeighted(maxConcurrentUploads),
	}, nil
}

// newArchiverWithAPI builds an Archiver against an injected S3 API, for
// tests that want to exercise upload fan-out without real AWS credentials.
func newArchiverWithAPI(api awsS3API, bucket string, maxConcurrentUploads int64, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrentUploads <= 0 {
		maxConcurrentUploads = 4
	}
	return &Archiver{bucket: bucket, api: api, logger: logger, sem: semaphore.NewWeighted(maxConcurrentUploads)}
}

func archiveKey(topic string, partition int32, baseOffset int64) string {
	return fmt.Sprintf("%s/%d/%020d.log", topic, partition, baseOffset)
}

// Enqueue uploads data in the background, bounded by the Archiver's
// concurrency limit. Callers that need to know about failures should use
// Upload directly instead.
func (a *Archiver) Enqueue(topic string, partition int32, baseOffset int64, data []byte) {
	a.inflight.Go(func() error {
		ctx := context.Background()
		if err := a.Upload(ctx, topic, partition, baseOffset, data); err != nil {
			a.logger.Warn("archive upload failed", "topic", topic, "partition", partition,
				"base_offset", baseOffset, "error", err)
		}
		return nil
	})
}

// Upload synchronously puts a segment's bytes to the archive bucket,
// respecting the Archiver's concurrency bound.
func (a *Archiver) Upload(ctx context.Context, topic string, partition int32, baseOffset int64, data []byte) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("archiver: acquire upload slot: %w", err)
	}
	defer a.sem.Release(1)

	key := archiveKey(topic, partition, baseOffset)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if a.kmsKey != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(a.kmsKey)
	}
	if _, err := a.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("archiver: put object %s: %w", key, err)
	}
	return nil
}

// UploadBatch uploads several segments concurrently (bounded by the
// Archiver's semaphore via errgroup) and fails fast on the first error.
func (a *Archiver) UploadBatch(ctx context.Context, uploads []struct {
	Topic      string
	Partition  int32
	BaseOffset int64
	Data       []byte
}) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range uploads {
		u := u
		g.Go(func() error {
			return a.Upload(ctx, u.Topic, u.Partition, u.BaseOffset, u.Data)
		})
	}
	return g.Wait()
}

// Download fetches a previously archived segment, optionally restricted to
// a byte range.
func (a *Archiver) Download(ctx context.Context, topic string, partition int32, baseOffset int64, rng *ByteRange) ([]byte, error) {
	key := archiveKey(topic, partition, baseOffset)
	input := &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)}
	if rng != nil {
		header := fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End)
		input.Range = aws.String(header)
	}
	resp, err := a.api.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("archiver: get object %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("archiver: read body %s: %w", key, err)
	}
	return data, nil
}

// Wait blocks until every Enqueue'd upload has completed. Intended for
// tests and graceful shutdown.
func (a *Archiver) Wait() error {
	return a.inflight.Wait()
}
