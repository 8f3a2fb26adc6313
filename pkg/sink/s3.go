package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PutObjectAPI is the part of the S3 client the sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes each chunk as one gzipped NDJSON object.
//
// Objects are keyed by the UUID of the chunk's first event, so resending a
// chunk overwrites the same object.
type S3 struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3 creates an S3 sink using the default AWS credential chain.
func NewS3(ctx context.Context, bucket, region, prefix string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for S3 sink: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3WithClient creates an S3 sink with an existing client.
func NewS3WithClient(client PutObjectAPI, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: log.With().Str("component", "s3-sink").Logger(),
	}
}

// Name implements Sink.
func (s *S3) Name() string {
	return "s3"
}

// Key returns the object key of a chunk.
func (s *S3) Key(chunk []events.Event) string {
	return path.Join(s.prefix, chunk[0].UUID+".ndjson.gz")
}

// Send implements Sink.
func (s *S3) Send(ctx context.Context, chunk []events.Event) error {
	if len(chunk) == 0 {
		return nil
	}
	return instrument(s.Name(), len(chunk), func() error {
		return s.send(ctx, chunk)
	})
}

func (s *S3) send(ctx context.Context, chunk []events.Event) error {
	body, err := EncodeNDJSON(chunk)
	if err != nil {
		return &SendError{Sink: s.Name(), Err: err}
	}

	key := s.Key(chunk)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return &SendError{Sink: s.Name(), Err: fmt.Errorf("put object %s/%s: %w", s.bucket, key, err)}
	}

	s.logger.Info().
		Str("key", key).
		Int("events", len(chunk)).
		Int("bytes", len(body)).
		Msg("Chunk written")
	return nil
}

// EncodeNDJSON encodes events one per line and gzips the result.
func EncodeNDJSON(chunk []events.Event) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := range chunk {
		if err := enc.Encode(&chunk[i]); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}
