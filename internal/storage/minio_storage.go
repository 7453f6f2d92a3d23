package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prappser/multipart_uploader/internal/upload"
)

const listPartsPageSize = 1000

// MinioGateway drives the multipart API through minio-go's low level Core client.
type MinioGateway struct {
	core     *minio.Core
	bucket   string
	endpoint string
}

func NewMinioGateway(ctx context.Context, config *Config) (*MinioGateway, error) {
	host, secure, err := splitEndpoint(config.Endpoint)
	if err != nil {
		return nil, err
	}

	core, err := minio.NewCore(host, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create minio client: %v", upload.ErrConfiguration, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := core.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, mapMinioError("check bucket", err)
	}
	if !exists {
		if err := core.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, mapMinioError("create bucket", err)
		}
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &MinioGateway{
		core:     core,
		bucket:   config.Bucket,
		endpoint: scheme + "://" + host,
	}, nil
}

func (g *MinioGateway) CreateSession(ctx context.Context, key, contentType string) (upload.Session, error) {
	if key == "" {
		return upload.Session{}, fmt.Errorf("%w: key is required", upload.ErrInvalidRequest)
	}

	uploadID, err := g.core.NewMultipartUpload(ctx, g.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return upload.Session{}, mapMinioError("create multipart upload", err)
	}
	return upload.Session{UploadID: uploadID, Key: key, ContentType: contentType}, nil
}

func (g *MinioGateway) UploadPart(ctx context.Context, session upload.Session, partNumber int, body io.Reader, size int64) (upload.PartResult, error) {
	if err := checkSession(session); err != nil {
		return upload.PartResult{}, err
	}
	if err := checkPartNumber(partNumber); err != nil {
		return upload.PartResult{}, err
	}

	part, err := g.core.PutObjectPart(ctx, g.bucket, session.Key, session.UploadID, partNumber, body, size, minio.PutObjectPartOptions{})
	if err != nil {
		return upload.PartResult{}, mapMinioError(fmt.Sprintf("upload part %d", partNumber), err)
	}
	return upload.PartResult{PartNumber: partNumber, ETag: quoteETag(part.ETag)}, nil
}

func (g *MinioGateway) SignPart(ctx context.Context, session upload.Session, partNumber int, ttl time.Duration) (string, error) {
	if err := checkSession(session); err != nil {
		return "", err
	}
	if err := checkPartNumber(partNumber); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = upload.DefaultSignTTL
	}

	params := url.Values{}
	params.Set("uploadId", session.UploadID)
	params.Set("partNumber", strconv.Itoa(partNumber))

	u, err := g.core.Presign(ctx, http.MethodPut, g.bucket, session.Key, ttl, params)
	if err != nil {
		return "", mapMinioError(fmt.Sprintf("presign part %d", partNumber), err)
	}
	return u.String(), nil
}

func (g *MinioGateway) ListParts(ctx context.Context, session upload.Session) ([]upload.PartResult, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}

	var parts []upload.PartResult
	marker := 0
	for {
		result, err := g.core.ListObjectParts(ctx, g.bucket, session.Key, session.UploadID, marker, listPartsPageSize)
		if err != nil {
			return nil, mapMinioError("list parts", err)
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, upload.PartResult{PartNumber: p.PartNumber, ETag: quoteETag(p.ETag)})
		}
		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

func (g *MinioGateway) CompleteSession(ctx context.Context, session upload.Session, parts []upload.PartResult) (upload.Completion, error) {
	if err := checkSession(session); err != nil {
		return upload.Completion{}, err
	}

	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	info, err := g.core.CompleteMultipartUpload(ctx, g.bucket, session.Key, session.UploadID, completed, minio.PutObjectOptions{ContentType: session.ContentType})
	if err != nil {
		return upload.Completion{}, mapMinioError("complete multipart upload", err)
	}

	location := info.Location
	if location == "" {
		location = objectURL(g.endpoint, g.bucket, session.Key)
	}
	return upload.Completion{
		Location: location,
		Key:      session.Key,
		UploadID: session.UploadID,
		ETag:     quoteETag(info.ETag),
	}, nil
}

func (g *MinioGateway) AbortSession(ctx context.Context, session upload.Session) error {
	if err := checkSession(session); err != nil {
		return err
	}
	if err := g.core.AbortMultipartUpload(ctx, g.bucket, session.Key, session.UploadID); err != nil {
		return mapMinioError("abort multipart upload", err)
	}
	return nil
}

func mapMinioError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	resp := minio.ToErrorResponse(err)
	if sentinel := storeCodeError(resp.Code); sentinel != nil {
		return fmt.Errorf("%s: %w: %s", op, sentinel, resp.Message)
	}
	return fmt.Errorf("%s: %w: %v", op, upload.ErrStoreUnavailable, err)
}

// quoteETag normalises minio's unquoted etags to the quoted form S3 returns.
func quoteETag(etag string) string {
	if etag == "" || etag[0] == '"' {
		return etag
	}
	return `"` + etag + `"`
}
