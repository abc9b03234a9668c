// Copyright 2025 Tom Barlow
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

// Package s3 offloads large workflow snapshots to S3, supplementing a
// relational eventstore.SnapshotStore that would otherwise carry the full
// state blob in a row. A snapshot whose serialized state is at or below
// Config.InlineThreshold is passed through to the underlying store
// unchanged; anything larger is uploaded to S3 and the underlying store
// instead receives a small pointer document in its State column.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/log"
)

// DefaultInlineThreshold is the serialized-state size, in bytes, above
// which a snapshot is offloaded to S3 instead of stored inline.
const DefaultInlineThreshold = 256 * 1024

// pointerSchemaVersion marks the pointer document's shape so a future
// change to it can be detected by readers.
const pointerSchemaVersion = 1

// pointer is the small document stored in the underlying SnapshotStore's
// State column in place of an offloaded state blob.
type pointer struct {
	SchemaVersion int    `json:"__s3_pointer_schema_version"`
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
}

func isPointer(raw json.RawMessage) (pointer, bool) {
	var p pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		return pointer{}, false
	}
	return p, p.SchemaVersion == pointerSchemaVersion && p.Bucket != "" && p.Key != ""
}

// s3API is the slice of the S3 client this package needs, narrowed for
// testability without a real AWS account.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config configures a Store.
type Config struct {
	// Client is the S3 client used for offloaded snapshot bodies.
	Client s3API

	// Bucket receives offloaded snapshot objects.
	Bucket string

	// KeyPrefix prefixes every object key, for sharing a bucket across
	// environments or deployments.
	KeyPrefix string

	// Underlying persists the (possibly replaced) Snapshot row. Required.
	Underlying eventstore.SnapshotStore

	// InlineThreshold overrides DefaultInlineThreshold.
	InlineThreshold int

	Logger *slog.Logger
}

// Store is an eventstore.SnapshotStore decorator that offloads large
// snapshot bodies to S3.
type Store struct {
	client     s3API
	bucket     string
	keyPrefix  string
	underlying eventstore.SnapshotStore
	threshold  int
	logger     *slog.Logger
}

// New constructs a Store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil || cfg.Bucket == "" || cfg.Underlying == nil {
		return nil, fmt.Errorf("snapshotstore/s3: Client, Bucket, and Underlying are required")
	}
	threshold := cfg.InlineThreshold
	if threshold <= 0 {
		threshold = DefaultInlineThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:     cfg.Client,
		bucket:     cfg.Bucket,
		keyPrefix:  cfg.KeyPrefix,
		underlying: cfg.Underlying,
		threshold:  threshold,
		logger:     log.WithComponent(logger, "snapshotstore_s3"),
	}, nil
}

func (s *Store) objectKey(workflowID string, version int) string {
	return fmt.Sprintf("%s%s/%d.json", s.keyPrefix, workflowID, version)
}

// SaveSnapshot stores snap.State inline when it fits under the configured
// threshold, or uploads it to S3 and stores a pointer document otherwise.
// A prior offloaded object for the same workflow ID is left in place;
// callers that care about storage growth should prune via DeleteSnapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	if len(snap.State) <= s.threshold {
		return s.underlying.SaveSnapshot(ctx, snap)
	}

	key := s.objectKey(snap.WorkflowID, snap.Version)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(snap.State),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("snapshotstore/s3: upload snapshot for %s: %w", snap.WorkflowID, err)
	}

	ptr, err := json.Marshal(pointer{SchemaVersion: pointerSchemaVersion, Bucket: s.bucket, Key: key})
	if err != nil {
		return fmt.Errorf("snapshotstore/s3: marshal pointer: %w", err)
	}
	s.logger.Info("offloaded snapshot to s3", "workflow_id", snap.WorkflowID, "version", snap.Version, "bytes", len(snap.State), "key", key)

	snap.State = ptr
	return s.underlying.SaveSnapshot(ctx, snap)
}

// GetSnapshot returns the underlying snapshot, resolving its state
// through S3 first if the stored document is a pointer.
func (s *Store) GetSnapshot(ctx context.Context, workflowID string) (*eventstore.Snapshot, error) {
	snap, err := s.underlying.GetSnapshot(ctx, workflowID)
	if err != nil || snap == nil {
		return snap, err
	}

	ptr, ok := isPointer(snap.State)
	if !ok {
		return snap, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ptr.Bucket),
		Key:    aws.String(ptr.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotstore/s3: fetch offloaded snapshot for %s: %w", workflowID, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore/s3: read offloaded snapshot for %s: %w", workflowID, err)
	}

	resolved := *snap
	resolved.State = body
	return &resolved, nil
}

// DeleteSnapshot removes the underlying row and, if its state was an S3
// pointer, the offloaded object too.
func (s *Store) DeleteSnapshot(ctx context.Context, workflowID string) error {
	snap, err := s.underlying.GetSnapshot(ctx, workflowID)
	if err != nil {
		return err
	}
	if snap != nil {
		if ptr, ok := isPointer(snap.State); ok {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(ptr.Bucket),
				Key:    aws.String(ptr.Key),
			}); err != nil {
				return fmt.Errorf("snapshotstore/s3: delete offloaded snapshot for %s: %w", workflowID, err)
			}
		}
	}
	return s.underlying.DeleteSnapshot(ctx, workflowID)
}
