package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/store/kv"
)

// S3Store is a kv.Store backed by an S3-compatible bucket.
//
// Each key is stored as one object named KeyPrefix + hex(key). Hex keeps
// arbitrary binary keys legal object names while preserving prefix order,
// so Iterate maps to a ListObjectsV2 prefix scan.
//
// Transactions are optimistic. Reads remember the ETag they observed (or
// that the object was absent); at commit every read is re-validated and
// writes are issued as conditional PutObject requests (If-Match /
// If-None-Match). A failed precondition is reported as kv.ErrConflict.
// Commits touching several keys are not atomic: writes are applied in key
// order and a conflict part way through leaves earlier writes in place.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// S3StoreConfig contains configuration for the S3 store.
type S3StoreConfig struct {
	// Client is a configured S3 client
	Client *s3.Client

	// Bucket is the bucket holding the objects
	Bucket string

	// KeyPrefix is prepended to every object name (e.g. "dittorpc/")
	KeyPrefix string
}

// New creates an S3 store. The bucket must exist and be reachable.
func New(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3 store: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	if err != nil {
		return nil, fmt.Errorf("s3 store: cannot access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Store{client: cfg.Client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}, nil
}

// Update implements kv.Store.
func (s *S3Store) Update(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := newS3Txn(ctx, s, false)
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

// View implements kv.Store.
func (s *S3Store) View(ctx context.Context, fn func(kv.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newS3Txn(ctx, s, true))
}

// Close implements kv.Store. The S3 client holds no resources to release.
func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) objectKey(key []byte) string {
	return s.keyPrefix + hex.EncodeToString(key)
}

func (s *S3Store) decodeObjectKey(name string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(name, s.keyPrefix))
}

// readVersion records what a transaction observed for one key.
// An empty etag means the key was absent.
type readVersion struct {
	etag string
}

type s3Txn struct {
	ctx      context.Context
	store    *S3Store
	readOnly bool
	reads    map[string]readVersion
	writes   map[string]*[]byte
}

func newS3Txn(ctx context.Context, store *S3Store, readOnly bool) *s3Txn {
	return &s3Txn{
		ctx:      ctx,
		store:    store,
		readOnly: readOnly,
		reads:    make(map[string]readVersion),
		writes:   make(map[string]*[]byte),
	}
}

func (t *s3Txn) Get(key []byte) ([]byte, error) {
	k := string(key)
	if p, ok := t.writes[k]; ok {
		if p == nil {
			return nil, kv.ErrKeyNotFound
		}
		return bytes.Clone(*p), nil
	}

	out, err := t.store.client.GetObject(t.ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.store.bucket),
		Key:    aws.String(t.store.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			t.recordRead(k, "")
			return nil, kv.ErrKeyNotFound
		}
		return nil, fmt.Errorf("s3 get %x: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %x: %w", key, err)
	}
	t.recordRead(k, aws.ToString(out.ETag))
	return data, nil
}

func (t *s3Txn) recordRead(k, etag string) {
	if t.readOnly {
		return
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = readVersion{etag: etag}
	}
}

func (t *s3Txn) Put(key, value []byte) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	t.writes[string(key)] = &v
	return nil
}

func (t *s3Txn) Delete(key []byte) error {
	if t.readOnly {
		return kv.ErrReadOnly
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *s3Txn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)

	paginator := s3.NewListObjectsV2Paginator(t.store.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.store.bucket),
		Prefix: aws.String(t.store.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(t.ctx)
		if err != nil {
			return fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			key, err := t.store.decodeObjectKey(aws.ToString(obj.Key))
			if err != nil {
				logger.Warn("S3 store: skipping foreign object %q", aws.ToString(obj.Key))
				continue
			}
			if _, pending := t.writes[string(key)]; pending {
				continue
			}
			value, err := t.Get(key)
			if errors.Is(err, kv.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			merged[string(key)] = value
		}
	}

	for k, pv := range t.writes {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if pv == nil {
			delete(merged, k)
		} else {
			merged[k] = *pv
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *s3Txn) commit() error {
	if len(t.writes) == 0 {
		return nil
	}

	// Keys that were read but not written only need validation.
	for k, rv := range t.reads {
		if _, written := t.writes[k]; written {
			continue
		}
		current, err := t.currentETag([]byte(k))
		if err != nil {
			return err
		}
		if current != rv.etag {
			return kv.ErrConflict
		}
	}

	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := t.apply([]byte(k), t.writes[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *s3Txn) currentETag(key []byte) (string, error) {
	out, err := t.store.client.HeadObject(t.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.store.bucket),
		Key:    aws.String(t.store.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("s3 head %x: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (t *s3Txn) apply(key []byte, value *[]byte) error {
	rv, wasRead := t.reads[string(key)]

	if value == nil {
		// DeleteObject has no portable precondition; validate first.
		if wasRead {
			current, err := t.currentETag(key)
			if err != nil {
				return err
			}
			if current != rv.etag {
				return kv.ErrConflict
			}
		}
		_, err := t.store.client.DeleteObject(t.ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.store.bucket),
			Key:    aws.String(t.store.objectKey(key)),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("s3 delete %x: %w", key, err)
		}
		return nil
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(t.store.bucket),
		Key:    aws.String(t.store.objectKey(key)),
		Body:   bytes.NewReader(*value),
	}
	if wasRead {
		if rv.etag == "" {
			input.IfNoneMatch = aws.String("*")
		} else {
			input.IfMatch = aws.String(rv.etag)
		}
	}

	if _, err := t.store.client.PutObject(t.ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: %v", kv.ErrConflict, err)
		}
		return fmt.Errorf("s3 put %x: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
