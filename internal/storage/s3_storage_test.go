package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	createErr   error
	uploadErr   error
	completeErr error
	abortErr    error

	uploaded  map[int32]string
	completed *s3.CompleteMultipartUploadInput
	listCalls []*s3.ListPartsInput
}

func (m *mockS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1"), Key: params.Key, Bucket: params.Bucket}, nil
}

func (m *mockS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	data, _ := io.ReadAll(params.Body)
	if m.uploaded == nil {
		m.uploaded = make(map[int32]string)
	}
	m.uploaded[aws.ToInt32(params.PartNumber)] = string(data)
	return &s3.UploadPartOutput{ETag: aws.String(`"etag-` + string(data) + `"`)}, nil
}

func (m *mockS3) ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	m.listCalls = append(m.listCalls, params)
	if params.PartNumberMarker == nil {
		return &s3.ListPartsOutput{
			Parts: []types.Part{
				{PartNumber: aws.Int32(1), ETag: aws.String(`"a"`)},
				{PartNumber: aws.Int32(2), ETag: aws.String(`"b"`)},
			},
			IsTruncated:          aws.Bool(true),
			NextPartNumberMarker: aws.String("2"),
		}, nil
	}
	return &s3.ListPartsOutput{
		Parts:       []types.Part{{PartNumber: aws.Int32(3), ETag: aws.String(`"c"`)}},
		IsTruncated: aws.Bool(false),
	}, nil
}

func (m *mockS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	m.completed = params
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"final-2"`)}, nil
}

func (m *mockS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if m.abortErr != nil {
		return nil, m.abortErr
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

type mockPresigner struct {
	expires time.Duration
}

func (m *mockPresigner) PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	m.expires = opts.Expires
	url := "https://r2.test/bucket/" + aws.ToString(params.Key) + "?uploadId=" + aws.ToString(params.UploadId)
	return &v4.PresignedHTTPRequest{URL: url, Method: "PUT"}, nil
}

func TestS3Gateway_ShouldRunMultipartLifecycle(t *testing.T) {
	// given
	ctx := context.Background()
	client := &mockS3{}
	gateway := newS3Gateway(client, &mockPresigner{}, "bucket", "https://r2.test")

	// when
	session, err := gateway.CreateSession(ctx, "movie.mp4", "video/mp4")
	require.NoError(t, err)
	part1, err := gateway.UploadPart(ctx, session, 1, strings.NewReader("abc"), 3)
	require.NoError(t, err)
	completion, err := gateway.CompleteSession(ctx, session, []upload.PartResult{part1})

	// then
	require.NoError(t, err)
	assert.Equal(t, upload.Session{UploadID: "upload-1", Key: "movie.mp4", ContentType: "video/mp4"}, session)
	assert.Equal(t, `"etag-abc"`, part1.ETag)
	assert.Equal(t, "https://r2.test/bucket/movie.mp4", completion.Location)
	assert.Equal(t, `"final-2"`, completion.ETag)
	require.Len(t, client.completed.MultipartUpload.Parts, 1)
	assert.Equal(t, int32(1), aws.ToInt32(client.completed.MultipartUpload.Parts[0].PartNumber))
	assert.Equal(t, `"etag-abc"`, aws.ToString(client.completed.MultipartUpload.Parts[0].ETag))
}

func TestS3Gateway_ShouldPageThroughParts(t *testing.T) {
	client := &mockS3{}
	gateway := newS3Gateway(client, &mockPresigner{}, "bucket", "")

	parts, err := gateway.ListParts(context.Background(), upload.Session{UploadID: "u", Key: "k"})

	require.NoError(t, err)
	assert.Equal(t, []upload.PartResult{
		{PartNumber: 1, ETag: `"a"`},
		{PartNumber: 2, ETag: `"b"`},
		{PartNumber: 3, ETag: `"c"`},
	}, parts)
	assert.Len(t, client.listCalls, 2)
}

func TestS3Gateway_ShouldPresignWithTTL(t *testing.T) {
	presigner := &mockPresigner{}
	gateway := newS3Gateway(&mockS3{}, presigner, "bucket", "")

	url, err := gateway.SignPart(context.Background(), upload.Session{UploadID: "u", Key: "k"}, 4, 10*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, "https://r2.test/bucket/k?uploadId=u", url)
	assert.Equal(t, 10*time.Minute, presigner.expires)

	_, err = gateway.SignPart(context.Background(), upload.Session{UploadID: "u", Key: "k"}, 0, time.Minute)
	assert.ErrorIs(t, err, upload.ErrInvalidRequest)
}

func TestS3Gateway_ShouldMapStoreErrors(t *testing.T) {
	cases := map[string]struct {
		err      error
		sentinel error
	}{
		"no such upload": {err: &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "gone"}, sentinel: upload.ErrSessionAlreadyFinalized},
		"invalid part":   {err: &smithy.GenericAPIError{Code: "InvalidPart", Message: "bad etag"}, sentinel: upload.ErrIncompletePartSet},
		"too small":      {err: &smithy.GenericAPIError{Code: "EntityTooSmall"}, sentinel: upload.ErrIncompletePartSet},
		"access denied":  {err: &smithy.GenericAPIError{Code: "AccessDenied"}, sentinel: upload.ErrStoreUnavailable},
		"bad signature":  {err: &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, sentinel: upload.ErrStoreUnavailable},
		"no bucket":      {err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, sentinel: upload.ErrInvalidRequest},
		"throttled":      {err: &smithy.GenericAPIError{Code: "SlowDown"}, sentinel: upload.ErrStoreUnavailable},
		"network":        {err: errors.New("dial tcp: connection refused"), sentinel: upload.ErrStoreUnavailable},
		"typed":          {err: &types.NoSuchUpload{}, sentinel: upload.ErrSessionAlreadyFinalized},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gateway := newS3Gateway(&mockS3{abortErr: tc.err}, &mockPresigner{}, "bucket", "")

			err := gateway.AbortSession(context.Background(), upload.Session{UploadID: "u", Key: "k"})

			assert.ErrorIs(t, err, tc.sentinel)
		})
	}
}

func TestS3Gateway_ShouldKeepCancellation(t *testing.T) {
	gateway := newS3Gateway(&mockS3{createErr: context.Canceled}, &mockPresigner{}, "bucket", "")

	_, err := gateway.CreateSession(context.Background(), "k", "")

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, upload.ErrStoreUnavailable)
}
