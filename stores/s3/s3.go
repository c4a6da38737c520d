// Package s3 provides an S3-backed state adapter for serverless deployments:
// instance state and singleton bindings live as objects in a bucket, so any
// invocation in any process can pick up where the previous one left off.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Option represents the options for the Store.
type Option func(*Store)

// Store implements the runtime's StateAdapter on top of an S3 bucket.
//
// Object layout under the configured prefix:
//
//	state/<instanceID>          instance state, raw JSON
//	bindings/<escaped URI>      singleton binding, the bound instance id
//
// S3 gives last-write-wins semantics per object, which matches the runtime's
// state model; no coordination layer is needed.
type Store struct {
	client *awss3.Client
	bucket string
	prefix string
}

// New creates a Store writing to the given bucket.
func New(client *awss3.Client, bucket string, options ...Option) *Store {
	s := &Store{
		client: client,
		bucket: bucket,
		prefix: "apps/",
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithPrefix sets the key prefix for all objects the store writes.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// LoadState returns the instance's state object, reporting absence rather
// than erroring when the object does not exist.
func (s *Store) LoadState(ctx context.Context, instanceID string) (json.RawMessage, bool, error) {
	return s.get(ctx, s.stateKey(instanceID))
}

// SaveState writes the instance's state object.
func (s *Store) SaveState(ctx context.Context, instanceID string, state json.RawMessage) error {
	return s.put(ctx, s.stateKey(instanceID), state)
}

// DeleteState removes the instance's state object. Deleting a missing object
// is a no-op.
func (s *Store) DeleteState(ctx context.Context, instanceID string) error {
	return s.delete(ctx, s.stateKey(instanceID))
}

// LoadBinding returns the instance id bound as the resource's default, if one
// is recorded.
func (s *Store) LoadBinding(ctx context.Context, resourceURI string) (string, bool, error) {
	raw, ok, err := s.get(ctx, s.bindingKey(resourceURI))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// SaveBinding records the resource's default instance id.
func (s *Store) SaveBinding(ctx context.Context, resourceURI, instanceID string) error {
	return s.put(ctx, s.bindingKey(resourceURI), []byte(instanceID))
}

// DeleteBinding removes the resource's default instance binding.
func (s *Store) DeleteBinding(ctx context.Context, resourceURI string) error {
	return s.delete(ctx, s.bindingKey(resourceURI))
}

func (s *Store) stateKey(instanceID string) string {
	return s.prefix + "state/" + instanceID
}

func (s *Store) bindingKey(resourceURI string) string {
	return s.prefix + "bindings/" + url.PathEscape(resourceURI)
}

func (s *Store) get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}
