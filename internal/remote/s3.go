package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/codeGROOVE-dev/retry"

	"devsync/internal/devsync"
)

const (
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// S3Config configures the S3 remote.
type S3Config struct {
	Bucket   string
	Prefix   string // Key prefix for all objects
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID and SecretAccessKey are optional; the default AWS
	// credential chain is used when they are empty.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// s3API is the subset of the S3 client the remote uses.
type s3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Remote stores each record as a JSON object. Version checks are made
// safe across processes with conditional writes on the object ETag; a lost
// race re-reads and retries.
type S3Remote struct {
	client   s3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	clock    devsync.Clock
}

// NewS3Remote creates an S3 remote from cfg.
func NewS3Remote(ctx context.Context, cfg S3Config, clock devsync.Clock) (*S3Remote, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Remote(client, cfg.Bucket, cfg.Prefix, clock), nil
}

func newS3Remote(client s3API, bucket, prefix string, clock devsync.Clock) *S3Remote {
	if clock == nil {
		clock = devsync.RealClock{}
	}
	return &S3Remote{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		clock:    clock,
	}
}

func (r *S3Remote) objectKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return path.Join(r.prefix, key)
}

func withRetry[T any](fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn, retry.Attempts(maxAttempts), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

func (r *S3Remote) FetchRecord(ctx context.Context, ref devsync.EntityRef) (*devsync.RemoteRecord, error) {
	rec, err := withRetry(func() (*devsync.RemoteRecord, error) {
		var rec devsync.RemoteRecord
		found, _, err := r.getJSON(ctx, recordKey(ref), &rec)
		if err != nil || !found {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil {
		return nil, &devsync.TransportError{Op: "fetch record", Err: err}
	}
	return rec, nil
}

func (r *S3Remote) ApplyMutation(ctx context.Context, m devsync.Mutation) (*devsync.MutationResult, error) {
	var rejected error
	key := recordKey(m.Ref)
	res, err := withRetry(func() (*devsync.MutationResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var stored devsync.RemoteRecord
		found, etag, err := r.getJSON(ctx, key, &stored)
		if err != nil {
			return nil, err
		}
		var current *devsync.RemoteRecord
		if found {
			current = &stored
		}

		next, res, err := apply(current, m, r.clock.Now())
		if err != nil {
			rejected = err
			return nil, nil
		}
		if !res.Applied {
			return res, nil
		}
		if next == nil {
			err = r.delete(ctx, key)
		} else {
			err = r.putJSON(ctx, key, next, true, etag)
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if rejected != nil {
		return nil, rejected
	}
	if err != nil {
		return nil, &devsync.TransportError{Op: "apply mutation", Err: err}
	}
	return res, nil
}

func (r *S3Remote) ListAssigned(ctx context.Context, businessID, employeeID string, dt devsync.DataType) ([]devsync.EntityRef, error) {
	refs, err := withRetry(func() ([]devsync.EntityRef, error) {
		var refs []devsync.EntityRef
		if _, _, err := r.getJSON(ctx, assignmentKey(businessID, employeeID), &refs); err != nil {
			return nil, err
		}
		return refs, nil
	})
	if err != nil {
		return nil, &devsync.TransportError{Op: "list assigned", Err: err}
	}
	return filterRefs(refs, dt), nil
}

// Put stores a server-side edit, bumping the record version.
func (r *S3Remote) Put(ctx context.Context, ref devsync.EntityRef, data devsync.Record) (int64, error) {
	key := recordKey(ref)
	return withRetry(func() (int64, error) {
		var stored devsync.RemoteRecord
		found, etag, err := r.getJSON(ctx, key, &stored)
		if err != nil {
			return 0, err
		}
		next := &devsync.RemoteRecord{Ref: ref, Data: clone(data), Version: 1, ModifiedAt: r.clock.Now()}
		if found {
			next.Version = stored.Version + 1
		}
		if err := r.putJSON(ctx, key, next, true, etag); err != nil {
			return 0, err
		}
		return next.Version, nil
	})
}

func (r *S3Remote) Assign(ctx context.Context, businessID, employeeID string, refs []devsync.EntityRef) error {
	if refs == nil {
		refs = []devsync.EntityRef{}
	}
	return retry.Do(func() error {
		return r.putJSON(ctx, assignmentKey(businessID, employeeID), refs, false, "")
	}, retry.Attempts(maxAttempts), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

// getJSON decodes the object at key into v and returns its ETag. It
// reports false when the object does not exist.
func (r *S3Remote) getJSON(ctx context.Context, key string, v any) (bool, string, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.objectKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("getting %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := json.NewDecoder(out.Body).Decode(v); err != nil {
		return false, "", fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, aws.ToString(out.ETag), nil
}

// putJSON writes v to key. A conditional write only succeeds if the object
// still has etag, or is still absent when etag is empty.
func (r *S3Remote) putJSON(ctx context.Context, key string, v any, conditional bool, etag string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(r.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	switch {
	case !conditional:
	case etag != "":
		in.IfMatch = aws.String(etag)
	default:
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := r.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

func (r *S3Remote) delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

var _ Admin = (*S3Remote)(nil)
