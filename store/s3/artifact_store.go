// Package s3store keeps pipeline artifacts in an S3 compatible bucket.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/store"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var errObjectNotFound = errors.New("s3store: object not found")

// objects is the slice of the bucket API the artifact store needs.
type objects interface {
	put(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	list(ctx context.Context, prefix string) ([]string, error)
}

// ArtifactStore lays artifacts out as <prefix>/<run>/<stage>/v000N.json.
// Version assignment is serialized per process only; concurrent writers to
// the same run from separate processes are not supported.
type ArtifactStore struct {
	objects objects
	prefix  string
	now     func() time.Time
	mu      sync.Mutex
}

func New(cfg core.S3Config) (*ArtifactStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3store: endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3store: access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3store: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.Secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: init client: %w", err)
	}
	return newArtifactStore(&bucketObjects{client: client, bucket: bucket, region: region}, cfg.Prefix), nil
}

func newArtifactStore(objects objects, prefix string) *ArtifactStore {
	return &ArtifactStore{
		objects: objects,
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *ArtifactStore) Latest(ctx context.Context, runID string, stage string) (core.Artifact, error) {
	versions, err := s.versions(ctx, runID, stage)
	if err != nil {
		return core.Artifact{}, err
	}
	if len(versions) == 0 {
		return core.Artifact{}, fmt.Errorf("s3store: %s/%s: %w", runID, stage, core.ErrArtifactNotFound)
	}
	return s.read(ctx, runID, stage, versions[len(versions)-1])
}

func (s *ArtifactStore) Put(ctx context.Context, artifact core.Artifact) (core.Artifact, error) {
	artifact.RunID = strings.TrimSpace(artifact.RunID)
	artifact.Stage = strings.TrimSpace(artifact.Stage)
	if err := artifact.Validate(); err != nil {
		return core.Artifact{}, err
	}
	if artifact.ProducedAt.IsZero() {
		artifact.ProducedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	versions, err := s.versions(ctx, artifact.RunID, artifact.Stage)
	if err != nil {
		return core.Artifact{}, err
	}
	artifact.Version = 1
	if len(versions) > 0 {
		artifact.Version = versions[len(versions)-1] + 1
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("s3store: encode artifact: %w", err)
	}
	if err := s.objects.put(ctx, s.key(artifact.RunID, artifact.Stage, artifact.Version), data); err != nil {
		return core.Artifact{}, fmt.Errorf("s3store: put artifact: %w", err)
	}
	return artifact.Clone(), nil
}

func (s *ArtifactStore) History(ctx context.Context, runID string, stage string) ([]core.Artifact, error) {
	versions, err := s.versions(ctx, runID, stage)
	if err != nil {
		return nil, err
	}
	out := make([]core.Artifact, 0, len(versions))
	for _, version := range versions {
		artifact, err := s.read(ctx, runID, stage, version)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	return out, nil
}

func (s *ArtifactStore) List(ctx context.Context, runID string) ([]core.Artifact, error) {
	runPrefix := s.runPrefix(runID)
	keys, err := s.objects.list(ctx, runPrefix)
	if err != nil {
		return nil, fmt.Errorf("s3store: list %s: %w", runPrefix, err)
	}
	latest := map[string]int{}
	for _, key := range keys {
		stageSegment, file, ok := strings.Cut(strings.TrimPrefix(key, runPrefix), "/")
		if !ok {
			continue
		}
		version, ok := parseVersion(file)
		if !ok {
			continue
		}
		stage, err := store.UnescapeKey(stageSegment)
		if err != nil {
			continue
		}
		if version > latest[stage] {
			latest[stage] = version
		}
	}
	out := make([]core.Artifact, 0, len(latest))
	for stage, version := range latest {
		artifact, err := s.read(ctx, runID, stage, version)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProducedAt.Equal(out[j].ProducedAt) {
			return out[i].ProducedAt.Before(out[j].ProducedAt)
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

func (s *ArtifactStore) read(ctx context.Context, runID string, stage string, version int) (core.Artifact, error) {
	key := s.key(runID, stage, version)
	data, err := s.objects.get(ctx, key)
	if err != nil {
		if errors.Is(err, errObjectNotFound) {
			return core.Artifact{}, fmt.Errorf("s3store: %s: %w", key, core.ErrArtifactNotFound)
		}
		return core.Artifact{}, fmt.Errorf("s3store: get %s: %w", key, err)
	}
	artifact := core.Artifact{}
	if err := json.Unmarshal(data, &artifact); err != nil {
		return core.Artifact{}, fmt.Errorf("s3store: decode %s: %w", key, err)
	}
	return artifact, nil
}

func (s *ArtifactStore) versions(ctx context.Context, runID string, stage string) ([]int, error) {
	stagePrefix := s.runPrefix(runID) + store.EscapeKey(stage) + "/"
	keys, err := s.objects.list(ctx, stagePrefix)
	if err != nil {
		return nil, fmt.Errorf("s3store: list %s: %w", stagePrefix, err)
	}
	versions := make([]int, 0, len(keys))
	for _, key := range keys {
		if version, ok := parseVersion(strings.TrimPrefix(key, stagePrefix)); ok {
			versions = append(versions, version)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

func (s *ArtifactStore) runPrefix(runID string) string {
	runPrefix := store.EscapeKey(runID) + "/"
	if s.prefix != "" {
		runPrefix = s.prefix + "/" + runPrefix
	}
	return runPrefix
}

func (s *ArtifactStore) key(runID string, stage string, version int) string {
	return s.runPrefix(runID) + path.Join(store.EscapeKey(stage), fmt.Sprintf("v%04d.json", version))
}

func parseVersion(name string) (int, bool) {
	if strings.Contains(name, "/") || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	version, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
	if err != nil || version <= 0 {
		return 0, false
	}
	return version, true
}

type bucketObjects struct {
	client   *minio.Client
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

func (b *bucketObjects) ensureBucket(ctx context.Context) error {
	b.initOnce.Do(func() {
		exists, err := b.client.BucketExists(ctx, b.bucket)
		if err != nil {
			b.initErr = err
			return
		}
		if exists {
			return
		}
		b.initErr = b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region})
	})
	return b.initErr
}

func (b *bucketObjects) put(ctx context.Context, key string, data []byte) error {
	if err := b.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (b *bucketObjects) get(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, errObjectNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *bucketObjects) list(ctx context.Context, prefix string) ([]string, error) {
	if err := b.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	keys := make([]string, 0, 16)
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key != "" {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

var _ core.ArtifactStore = (*ArtifactStore)(nil)
