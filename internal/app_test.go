package internal

import (
	"bytes"
	"context"
	"mime/multipart"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prappser/multipart_uploader/internal/health"
	"github.com/prappser/multipart_uploader/internal/remote"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const testServerURL = "http://uploader.test"

func newLocalConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		Server: ServerConfig{Addr: ":0", ExternalURL: testServerURL, AllowedOrigins: []string{"*"}},
		Store: StoreConfig{
			Driver:    "local",
			SecretKey: "secret",
			Bucket:    "bucket",
			LocalPath: filepath.Join(dir, "storage"),
			SignTTL:   time.Hour,
		},
		Upload:  UploadConfig{Strategy: "relayed", Concurrency: 2, MaxAttempts: 2, RetryDelay: time.Millisecond},
		DB:      DBConfig{Path: filepath.Join(dir, "uploader.db")},
		Janitor: JanitorConfig{StaleAfter: time.Hour, Interval: time.Hour},
	}
}

func startTestServer(t *testing.T, config *Config) (*Server, *fasthttp.Client) {
	t.Helper()
	server, err := NewServer(context.Background(), config, "test")
	require.NoError(t, err)
	server.Start()
	t.Cleanup(func() { _ = server.Close() })

	ln := fasthttputil.NewInmemoryListener()
	httpServer := &fasthttp.Server{Handler: server.Handler}
	go func() { _ = httpServer.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return server, &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
}

func TestServer_ShouldReportHealth(t *testing.T) {
	_, client := startTestServer(t, newLocalConfig(t))

	status, body, err := client.Get(nil, testServerURL+"/health")

	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	var response health.HealthResponse
	require.NoError(t, json.Unmarshal(body, &response))
	assert.Equal(t, "local", response.Driver)
	assert.Equal(t, "relayed", response.Strategy)
}

func TestServer_ShouldAcceptPushFromRemoteClient(t *testing.T) {
	// given
	_, client := startTestServer(t, newLocalConfig(t))
	gateway := remote.NewGateway(client, testServerURL, time.Minute)
	orchestrator := upload.NewOrchestrator(gateway, upload.NewDirectSignedUpload(gateway, client, time.Minute, 0), nil, upload.Options{ChunkSize: 8, Concurrency: 3})
	content := "pushed from the command line in several parts"

	// when
	result, err := orchestrator.NewUpload(upload.File{
		Name: "cli/pushed.txt",
		Size: int64(len(content)),
		Body: strings.NewReader(content),
	}).Run(context.Background(), nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, testServerURL+"/storage/objects/cli/pushed.txt", result.Location)
	status, body, err := client.Get(nil, result.Location)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, content, string(body))
}

func TestServer_ShouldRunServerSideUpload(t *testing.T) {
	// given
	server, client := startTestServer(t, newLocalConfig(t))

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "report.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("id,name\n1,alpha\n"))
	require.NoError(t, w.Close())

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(testServerURL + "/uploads")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(w.FormDataContentType())
	req.SetBody(body.Bytes())

	// when
	require.NoError(t, client.Do(req, resp))

	// then
	require.Equal(t, fasthttp.StatusCreated, resp.StatusCode(), string(resp.Body()))
	var item upload.PendingUploadItem
	require.NoError(t, json.Unmarshal(resp.Body(), &item))
	assert.Equal(t, upload.PendingCompleted, item.Status)
	assert.Equal(t, testServerURL+"/storage/objects/report.csv", item.Path)
	require.Len(t, server.Pending.List(), 1)

	status, statusBody, err := client.Get(nil, testServerURL+"/status")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(statusBody), `"completed":1`)
}

func TestServer_ShouldRouteUnknownPathsAndMethods(t *testing.T) {
	_, client := startTestServer(t, newLocalConfig(t))

	status, _, err := client.Get(nil, testServerURL+"/nope")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, _, err = client.Get(nil, testServerURL+"/api/upload")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)
}

func TestServer_ShouldRefuseToStartWithoutStoreSettings(t *testing.T) {
	config := newLocalConfig(t)
	config.Store = StoreConfig{Driver: "s3"}

	_, err := NewServer(context.Background(), config, "test")

	require.ErrorIs(t, err, upload.ErrConfiguration)
	assert.Contains(t, err.Error(), "R2_ENDPOINT")
}
