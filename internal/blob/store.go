// Package blob hands out presigned upload URLs for shared notes. Only the
// resulting public URL is ever stored.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

var ErrNotConfigured = errors.New("object storage not configured")

const DefaultUploadExpiry = 15 * time.Minute

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base that objects are served from, e.g. a CDN.
	// Defaults to the endpoint.
	PublicURL string
}

type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// Upload is returned to the client; it PUTs the file to UploadURL and then
// submits FileURL with the note metadata.
type Upload struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"uploadUrl"`
	FileURL   string    `json:"fileUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("blob: created bucket")
	}

	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicBase(cfg),
	}, nil
}

// PresignUpload issues a short-lived PUT URL for a new object under the
// user's prefix.
func (s *Store) PresignUpload(ctx context.Context, userID, filename string, expiry time.Duration) (Upload, error) {
	if s == nil || s.client == nil {
		return Upload{}, ErrNotConfigured
	}
	if expiry <= 0 {
		expiry = DefaultUploadExpiry
	}
	key := ObjectKey(userID, filename, uuid.NewString())
	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, key, expiry)
	if err != nil {
		return Upload{}, fmt.Errorf("presign upload: %w", err)
	}
	return Upload{
		Key:       key,
		UploadURL: presigned.String(),
		FileURL:   s.PublicURL(key),
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}

func (s *Store) PublicURL(key string) string {
	return s.publicURL + "/" + s.bucket + "/" + key
}

// OwnsURL reports whether fileURL points into this store's bucket.
func (s *Store) OwnsURL(fileURL string) bool {
	if s == nil {
		return false
	}
	return strings.HasPrefix(fileURL, s.publicURL+"/"+s.bucket+"/")
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey builds notes/<user>/<id>-<sanitized name>.
func ObjectKey(userID, filename, id string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "-"), "-.")
	if base == "" {
		base = "file"
	}
	if len(base) > 80 {
		base = base[len(base)-80:]
	}
	return "notes/" + userID + "/" + id + "-" + base
}

func publicBase(cfg Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + cfg.Endpoint
}
