package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/prappser/multipart_uploader/internal/upload"
)

type Driver string

const (
	DriverS3    Driver = "s3"
	DriverMinio Driver = "minio"
	DriverLocal Driver = "local"
)

type Config struct {
	Driver      Driver
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	Region      string
	LocalPath   string
	ExternalURL string
}

// NewGateway builds the gateway for the configured driver. An empty driver selects s3.
func NewGateway(ctx context.Context, config *Config) (upload.Gateway, error) {
	switch config.Driver {
	case DriverS3, "":
		return NewS3Gateway(ctx, config)
	case DriverMinio:
		return NewMinioGateway(ctx, config)
	case DriverLocal:
		return NewLocalGateway(config)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", upload.ErrConfiguration, config.Driver)
	}
}

func checkSession(session upload.Session) error {
	if session.Key == "" || session.UploadID == "" {
		return fmt.Errorf("%w: key and uploadId are required", upload.ErrInvalidRequest)
	}
	return nil
}

func checkPartNumber(partNumber int) error {
	if !upload.ValidPartNumber(partNumber) {
		return fmt.Errorf("%w: part number %d outside 1..%d", upload.ErrInvalidRequest, partNumber, upload.MaxPartNumber)
	}
	return nil
}

// storeCodeError maps an S3 error code to its sentinel. It returns nil for codes that mean the
// store itself is unhealthy.
func storeCodeError(code string) error {
	switch code {
	case "NoSuchUpload":
		return upload.ErrSessionAlreadyFinalized
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return upload.ErrIncompletePartSet
	case "InvalidArgument", "InvalidRequest", "KeyTooLongError", "InvalidObjectName":
		return upload.ErrInvalidRequest
	case "NoSuchBucket", "InvalidBucketName":
		return upload.ErrInvalidRequest
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return upload.ErrStoreUnavailable
	}
	return nil
}

// splitEndpoint accepts both "host:port" and "https://host" forms.
func splitEndpoint(endpoint string) (host string, secure bool, err error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("%w: invalid endpoint %q: %v", upload.ErrConfiguration, endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("%w: endpoint %q has no host", upload.ErrConfiguration, endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}

func objectURL(base, bucket, key string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + escapeKey(key)
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
