package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/prappser/multipart_uploader/internal/upload"
)

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type s3Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Gateway talks to any S3-compatible store (AWS, R2) through aws-sdk-go-v2.
type S3Gateway struct {
	client    s3API
	presigner s3Presigner
	bucket    string
	endpoint  string
}

func NewS3Gateway(ctx context.Context, config *Config) (*S3Gateway, error) {
	region := config.Region
	if region == "" {
		region = "auto"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load aws config: %v", upload.ErrConfiguration, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Gateway(client, s3.NewPresignClient(client), config.Bucket, config.Endpoint), nil
}

func newS3Gateway(client s3API, presigner s3Presigner, bucket, endpoint string) *S3Gateway {
	return &S3Gateway{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		endpoint:  endpoint,
	}
}

func (g *S3Gateway) CreateSession(ctx context.Context, key, contentType string) (upload.Session, error) {
	if key == "" {
		return upload.Session{}, fmt.Errorf("%w: key is required", upload.ErrInvalidRequest)
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := g.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return upload.Session{}, mapS3Error("create multipart upload", err)
	}
	if aws.ToString(out.UploadId) == "" {
		return upload.Session{}, fmt.Errorf("%w: store returned no upload id", upload.ErrStoreUnavailable)
	}

	sessionKey := aws.ToString(out.Key)
	if sessionKey == "" {
		sessionKey = key
	}
	return upload.Session{UploadID: aws.ToString(out.UploadId), Key: sessionKey, ContentType: contentType}, nil
}

func (g *S3Gateway) UploadPart(ctx context.Context, session upload.Session, partNumber int, body io.Reader, size int64) (upload.PartResult, error) {
	if err := checkSession(session); err != nil {
		return upload.PartResult{}, err
	}
	if err := checkPartNumber(partNumber); err != nil {
		return upload.PartResult{}, err
	}

	out, err := g.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(session.Key),
		UploadId:      aws.String(session.UploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return upload.PartResult{}, mapS3Error(fmt.Sprintf("upload part %d", partNumber), err)
	}
	return upload.PartResult{PartNumber: partNumber, ETag: aws.ToString(out.ETag)}, nil
}

func (g *S3Gateway) SignPart(ctx context.Context, session upload.Session, partNumber int, ttl time.Duration) (string, error) {
	if err := checkSession(session); err != nil {
		return "", err
	}
	if err := checkPartNumber(partNumber); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = upload.DefaultSignTTL
	}

	req, err := g.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(g.bucket),
		Key:        aws.String(session.Key),
		UploadId:   aws.String(session.UploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", mapS3Error(fmt.Sprintf("presign part %d", partNumber), err)
	}
	return req.URL, nil
}

func (g *S3Gateway) ListParts(ctx context.Context, session upload.Session) ([]upload.PartResult, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}

	paginator := s3.NewListPartsPaginator(g.client, &s3.ListPartsInput{
		Bucket:   aws.String(g.bucket),
		Key:      aws.String(session.Key),
		UploadId: aws.String(session.UploadID),
	})

	var parts []upload.PartResult
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("list parts", err)
		}
		for _, p := range page.Parts {
			parts = append(parts, upload.PartResult{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				ETag:       aws.ToString(p.ETag),
			})
		}
	}
	return parts, nil
}

func (g *S3Gateway) CompleteSession(ctx context.Context, session upload.Session, parts []upload.PartResult) (upload.Completion, error) {
	if err := checkSession(session); err != nil {
		return upload.Completion{}, err
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		})
	}

	out, err := g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(g.bucket),
		Key:             aws.String(session.Key),
		UploadId:        aws.String(session.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return upload.Completion{}, mapS3Error("complete multipart upload", err)
	}

	location := aws.ToString(out.Location)
	if location == "" && g.endpoint != "" {
		location = objectURL(g.endpoint, g.bucket, session.Key)
	}
	return upload.Completion{
		Location: location,
		Key:      session.Key,
		UploadID: session.UploadID,
		ETag:     aws.ToString(out.ETag),
	}, nil
}

func (g *S3Gateway) AbortSession(ctx context.Context, session upload.Session) error {
	if err := checkSession(session); err != nil {
		return err
	}

	_, err := g.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(g.bucket),
		Key:      aws.String(session.Key),
		UploadId: aws.String(session.UploadID),
	})
	if err != nil {
		return mapS3Error("abort multipart upload", err)
	}
	return nil
}

func mapS3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := storeCodeError(apiErr.ErrorCode()); sentinel != nil {
			return fmt.Errorf("%s: %w: %s", op, sentinel, apiErr.ErrorMessage())
		}
	}

	var notFound *types.NoSuchUpload
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", op, upload.ErrSessionAlreadyFinalized)
	}

	return fmt.Errorf("%s: %w: %v", op, upload.ErrStoreUnavailable, err)
}
