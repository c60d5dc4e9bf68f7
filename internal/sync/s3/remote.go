// Package s3 implements the remote store on S3-compatible object storage.
//
// Every entity lives in one JSON document at
// <prefix>projects/<projectID>/<type>/<id>.json. Deletions overwrite the
// document with a tombstone so other devices can still observe them.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/sync/remote"
)

// API is the subset of the S3 client the remote uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures the S3 remote.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, R2)
	// AccessKey and SecretKey are optional; the default AWS credential
	// chain applies when they are empty.
	AccessKey    string
	SecretKey    string
	Prefix       string
	UsePathStyle bool
	DeviceID     string
	PollInterval time.Duration
	// RequestTimeout bounds each HTTP round trip; zero leaves the SDK default.
	RequestTimeout time.Duration
}

// DefaultPollInterval is used when Config.PollInterval is not set.
const DefaultPollInterval = 15 * time.Second

// Remote is a RemoteStore backed by an S3 bucket.
type Remote struct {
	api API
	cfg Config
	now func() time.Time
}

// document is the stored form of one entity.
type document struct {
	Entity    *models.Entity `json:"entity"`
	Deleted   bool           `json:"deleted"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeviceID  string         `json:"deviceId,omitempty"`
}

// New builds an S3 client from cfg and wraps it.
func New(ctx context.Context, cfg Config) (*Remote, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	if cfg.RequestTimeout > 0 {
		opts = append(opts, awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" || cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(api API, cfg Config) *Remote {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Remote{api: api, cfg: cfg, now: time.Now}
}

// DeviceID returns the device the remote pushes as.
func (r *Remote) DeviceID() string {
	return r.cfg.DeviceID
}

func (r *Remote) projectPrefix(projectID string) string {
	return r.cfg.Prefix + "projects/" + projectID + "/"
}

func (r *Remote) objectKey(projectID string, typ models.EntityType, id string) string {
	return r.projectPrefix(projectID) + string(typ) + "/" + id + ".json"
}

// unreachable marks transport failures so the engine goes offline instead
// of counting an attempt.
func unreachable(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperrors.Wrap(apperrors.ErrSyncOffline, "s3 "+op+" failed", err)
}

// Push writes one document per entry. A storage error aborts the batch;
// the documents already written are overwritten again on retry.
func (r *Remote) Push(ctx context.Context, entries []*models.ChangeQueueEntry) (models.PushResult, error) {
	var res models.PushResult
	for _, e := range entries {
		ent, reason := remote.Validate(e)
		if reason != "" {
			res.Rejected = append(res.Rejected, models.PushRejection{ID: e.ID, Reason: reason})
			continue
		}

		doc := document{UpdatedAt: ent.UpdatedAt, DeviceID: r.cfg.DeviceID}
		if e.Operation == models.OperationDelete {
			doc.Deleted = true
			doc.Entity = &models.Entity{ID: ent.ID, ProjectID: ent.ProjectID, Type: ent.Type, UpdatedAt: ent.UpdatedAt}
		} else {
			doc.Entity = ent
		}
		data, err := json.Marshal(doc)
		if err != nil {
			res.Rejected = append(res.Rejected, models.PushRejection{ID: e.ID, Reason: err.Error()})
			continue
		}

		_, err = r.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.cfg.Bucket),
			Key:         aws.String(r.objectKey(ent.ProjectID, ent.Type, ent.ID)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return models.PushResult{}, unreachable(ctx, "put object", err)
		}
		res.Accepted = append(res.Accepted, e.ID)
	}

	if len(res.Rejected) > 0 {
		logging.Debug("S3 remote rejected entries", map[string]interface{}{
			"device":   r.cfg.DeviceID,
			"rejected": len(res.Rejected),
		})
	}
	return res, nil
}

// Fetch returns the current remote entity, or nil when it is absent or
// deleted.
func (r *Remote) Fetch(ctx context.Context, projectID string, typ models.EntityType, id string) (*models.Entity, error) {
	doc, err := r.read(ctx, r.objectKey(projectID, typ, id))
	if err != nil || doc == nil || doc.Deleted {
		return nil, err
	}
	return doc.Entity, nil
}

// read returns nil for a missing object.
func (r *Remote) read(ctx context.Context, key string) (*document, error) {
	resp, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, unreachable(ctx, "get object", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unreachable(ctx, "read body", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil || doc.Entity == nil {
		return nil, apperrors.New(apperrors.ErrEntityCorrupt, "corrupt remote document "+key)
	}
	doc.UpdatedAt = models.Stamp(doc.UpdatedAt)
	return &doc, nil
}

func (doc *document) notification() models.ChangeNotification {
	n := models.ChangeNotification{
		EntityType: doc.Entity.Type,
		EntityID:   doc.Entity.ID,
		ProjectID:  doc.Entity.ProjectID,
		ChangeType: models.OperationUpdate,
		UpdatedAt:  doc.UpdatedAt,
	}
	if doc.Deleted {
		n.ChangeType = models.OperationDelete
	} else {
		n.Entity = doc.Entity
	}
	return n
}

type object struct {
	key          string
	lastModified time.Time
	etag         string
}

func (r *Remote) listObjects(ctx context.Context, projectID string) ([]object, error) {
	var out []object
	paginator := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.cfg.Bucket),
		Prefix: aws.String(r.projectPrefix(projectID)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unreachable(ctx, "list objects", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			out = append(out, object{
				key:          key,
				lastModified: aws.ToTime(obj.LastModified),
				etag:         aws.ToString(obj.ETag),
			})
		}
	}
	return out, nil
}

// List returns one notification per document of the project, deletions
// included, ordered by updatedAt. Corrupt documents are skipped.
func (r *Remote) List(ctx context.Context, projectID string) ([]models.ChangeNotification, error) {
	objects, err := r.listObjects(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]models.ChangeNotification, 0, len(objects))
	for _, obj := range objects {
		doc, err := r.read(ctx, obj.key)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrEntityCorrupt) {
				logging.Warn("Skipping corrupt remote document", map[string]interface{}{"key": obj.key})
				continue
			}
			return nil, err
		}
		if doc == nil {
			continue
		}
		out = append(out, doc.notification())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

// Subscribe polls the project's documents every PollInterval and reports
// those whose object changed, skipping this device's own writes. Objects
// already present when polling starts are only reported if they changed
// within the last poll interval. It returns when ctx is done.
func (r *Remote) Subscribe(ctx context.Context, projectID string, onChange func(models.ChangeNotification)) error {
	since := r.now().Add(-r.cfg.PollInterval)
	seen := make(map[string]object)
	first := true

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.poll(ctx, projectID, seen, first, since, onChange); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Warn("S3 change poll failed", map[string]interface{}{
				"project_id": projectID,
				"error":      err.Error(),
			})
		} else {
			first = false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Remote) poll(ctx context.Context, projectID string, seen map[string]object, first bool, since time.Time,
	onChange func(models.ChangeNotification)) error {
	objects, err := r.listObjects(ctx, projectID)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		prev, known := seen[obj.key]
		seen[obj.key] = obj
		switch {
		case known && !obj.lastModified.After(prev.lastModified) && obj.etag == prev.etag:
			continue
		case !known && first && obj.lastModified.Before(since):
			continue
		}

		doc, err := r.read(ctx, obj.key)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrEntityCorrupt) {
				continue
			}
			// Forget the object so the next poll retries it.
			delete(seen, obj.key)
			return err
		}
		if doc == nil || (doc.DeviceID != "" && doc.DeviceID == r.cfg.DeviceID) {
			continue
		}
		onChange(doc.notification())
	}
	return nil
}
