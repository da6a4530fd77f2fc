// Package artifacts stores the result files a worker uploads when a task
// finishes.
//
// Backends:
//   local  the coordinator's task output directory ("<task_id>_<name>")
//   minio  an S3 compatible bucket, object key "<task_id>/<name>"
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/flowqueue/internal/files"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// Store persists the result files of a task. Put returns where a file was
// written; Delete drops every result of the task.
type Store interface {
	Put(ctx context.Context, taskID types.TaskID, f types.ResultFile) (string, error)
	Delete(ctx context.Context, taskID types.TaskID) error
}

// Config selects the backend.
type Config struct {
	Backend   string `yaml:"backend"` // local | minio
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// New builds the configured store. dirs backs the local backend.
func New(cfg Config, dirs *files.Dirs) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "local":
		if dirs == nil {
			return nil, errors.New("artifacts: local backend requires task directories")
		}
		return NewLocal(dirs), nil
	case "minio":
		return NewMinIO(cfg)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", cfg.Backend)
	}
}

// ============================================================================
// Local
// ============================================================================

// Local writes results next to the task's other output files.
type Local struct {
	dirs *files.Dirs
}

func NewLocal(dirs *files.Dirs) *Local {
	return &Local{dirs: dirs}
}

func (l *Local) Put(_ context.Context, taskID types.TaskID, f types.ResultFile) (string, error) {
	return l.dirs.WriteOutput(taskID, f.Name, f.Data)
}

func (l *Local) Delete(_ context.Context, taskID types.TaskID) error {
	l.dirs.RemoveOutputs(taskID)
	return nil
}

// ============================================================================
// MinIO
// ============================================================================

// MinIO uploads results to a bucket, creating it on first use.
type MinIO struct {
	client *minio.Client
	bucket string

	mu    sync.Mutex
	ready bool
}

// NewMinIO creates the client. No request is made until the first Put.
func NewMinIO(cfg Config) (*MinIO, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("artifacts: minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: minio client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "flowqueue-results"
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		log.Info("Created artifact bucket", "bucket", m.bucket)
	}
	m.ready = true
	return nil
}

func (m *MinIO) Put(ctx context.Context, taskID types.TaskID, f types.ResultFile) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("artifacts: bucket %s: %w", m.bucket, err)
	}
	key := ObjectKey(taskID, f.Name)
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(f.Data), int64(len(f.Data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	return "s3://" + m.bucket + "/" + key, nil
}

// Delete removes every object under the task's prefix.
func (m *MinIO) Delete(ctx context.Context, taskID types.TaskID) error {
	prefix := taskID.String() + "/"
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	removed := 0
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("artifacts: list %s: %w", prefix, obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("artifacts: remove %s: %w", obj.Key, err)
		}
		removed++
	}
	if removed > 0 {
		log.Debug("Task artifacts removed", "task_id", taskID, "bucket", m.bucket, "count", removed)
	}
	return nil
}

// ObjectKey is the bucket key of a task result.
func ObjectKey(taskID types.TaskID, name string) string {
	return taskID.String() + "/" + path.Base("/"+name)
}
