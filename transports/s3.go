package transports

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// minPartSize is the smallest part S3 accepts for anything but the last
// part of a multipart upload.
const minPartSize = 5 << 20

// S3API is the subset of the S3 client used by the S3 target.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// S3Config selects the bucket and client settings for the S3 target.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// LoadS3Client builds an S3 client from the default AWS credential chain.
// Endpoint and PathStyle allow S3-compatible stores such as MinIO.
func LoadS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3 is a Target that uploads each chunk as one part of an S3 multipart
// upload. Chunk i becomes part i+1.
//
// Suspended uploads are remembered in process memory only. Multipart
// uploads left behind by a restart are not resumed and should be expired
// by a bucket lifecycle rule.
type S3 struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger

	mu        sync.Mutex
	suspended map[string]suspendedUpload // by session id
}

type suspendedUpload struct {
	key       string
	uploadID  string
	size      int64
	chunkSize int64
}

// NewS3 creates an S3 target writing to bucket under prefix.
func NewS3(client S3API, bucket, prefix string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix:    prefix,
		logger:    logger,
		suspended: make(map[string]suspendedUpload),
	}
}

func (t *S3) Open(ctx context.Context, key string, info ObjectInfo) (Writer, error) {
	if info.Size > info.ChunkSize && info.ChunkSize < minPartSize {
		t.logger.Warn("chunk size is below the S3 minimum part size, completion will fail",
			"key", key,
			"chunkSize", info.ChunkSize,
			"minPartSize", minPartSize)
	}

	objectKey := t.prefix + key
	if len(info.Resume) > 0 {
		return t.resume(ctx, objectKey, info)
	}
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(objectKey),
	}
	if info.ContentType != "" {
		input.ContentType = aws.String(info.ContentType)
	}
	out, err := t.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart upload for %s: %w", objectKey, err)
	}

	return &s3Writer{
		target:   t,
		key:      objectKey,
		info:     info,
		uploadID: aws.ToString(out.UploadId),
		etags:    make(map[int32]string),
	}, nil
}

// resume continues the multipart upload suspended by info.SessionID. The
// parts S3 holds are listed so that completion uses their real ETags.
func (t *S3) resume(ctx context.Context, objectKey string, info ObjectInfo) (Writer, error) {
	t.mu.Lock()
	up, ok := t.suspended[info.SessionID]
	if ok {
		delete(t.suspended, info.SessionID)
	}
	t.mu.Unlock()
	if !ok || info.SessionID == "" {
		return nil, fmt.Errorf("%w: no suspended upload for session %q", ErrNotResumable, info.SessionID)
	}
	restore := func() {
		t.mu.Lock()
		t.suspended[info.SessionID] = up
		t.mu.Unlock()
	}
	if up.key != objectKey || up.size != info.Size || up.chunkSize != info.ChunkSize {
		restore()
		return nil, fmt.Errorf("%w: session %s was suspended for a different object", ErrNotResumable, info.SessionID)
	}

	etags := make(map[int32]string)
	input := &s3.ListPartsInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(objectKey),
		UploadId: aws.String(up.uploadID),
	}
	for {
		out, err := t.client.ListParts(ctx, input)
		if err != nil {
			restore()
			return nil, fmt.Errorf("failed to list parts of %s: %w", objectKey, err)
		}
		for _, part := range out.Parts {
			etags[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.PartNumberMarker = out.NextPartNumberMarker
	}
	for _, idx := range info.Resume {
		if _, ok := etags[int32(idx+1)]; !ok {
			restore()
			return nil, fmt.Errorf("%w: part %d of %s is missing", ErrNotResumable, idx+1, objectKey)
		}
	}

	return &s3Writer{
		target:   t,
		key:      objectKey,
		info:     info,
		uploadID: up.uploadID,
		etags:    etags,
	}, nil
}

type s3Writer struct {
	target   *S3
	key      string
	info     ObjectInfo
	uploadID string

	mu    sync.Mutex
	etags map[int32]string
}

func (w *s3Writer) SendChunk(ctx context.Context, index int, data []byte) error {
	return w.uploadPart(ctx, int32(index+1), data)
}

func (w *s3Writer) uploadPart(ctx context.Context, partNumber int32, data []byte) error {
	out, err := w.target.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(w.target.bucket),
		Key:           aws.String(w.key),
		UploadId:      aws.String(w.uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d of %s: %w", partNumber, w.key, err)
	}

	w.mu.Lock()
	w.etags[partNumber] = aws.ToString(out.ETag)
	w.mu.Unlock()
	return nil
}

func (w *s3Writer) Complete(ctx context.Context) error {
	w.mu.Lock()
	empty := len(w.etags) == 0
	w.mu.Unlock()
	if empty {
		// a multipart upload needs at least one part
		if err := w.uploadPart(ctx, 1, nil); err != nil {
			return err
		}
	}

	w.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(w.etags))
	for n, etag := range w.etags {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(n),
		})
	}
	w.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err := w.target.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.target.bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", w.key, err)
	}
	return nil
}

func (w *s3Writer) Abort(ctx context.Context) error {
	_, err := w.target.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.target.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload for %s: %w", w.key, err)
	}
	return nil
}

// Suspend leaves the multipart upload open so a later Open with the same
// session id can add the missing parts.
func (w *s3Writer) Suspend(ctx context.Context) error {
	if w.info.SessionID == "" {
		return fmt.Errorf("cannot suspend %s without a session id", w.key)
	}
	w.target.mu.Lock()
	defer w.target.mu.Unlock()
	w.target.suspended[w.info.SessionID] = suspendedUpload{
		key:       w.key,
		uploadID:  w.uploadID,
		size:      w.info.Size,
		chunkSize: w.info.ChunkSize,
	}
	return nil
}
