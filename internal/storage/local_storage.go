package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prappser/multipart_uploader/internal/upload"
)

const (
	multipartDir = ".multipart"
	sessionFile  = "session.json"
	partSuffix   = ".part"
)

// LocalGateway keeps multipart sessions on the filesystem. Presigned part URLs point back at
// this server and carry an HS256 token scoped to a single part.
type LocalGateway struct {
	basePath    string
	bucket      string
	externalURL string
	secret      []byte
	now         func() time.Time

	mu sync.RWMutex
}

type localSession struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	CreatedAt   int64  `json:"createdAt"`
}

type partClaims struct {
	Key        string `json:"key"`
	UploadID   string `json:"uploadId"`
	PartNumber int    `json:"partNumber"`
	jwt.RegisteredClaims
}

func NewLocalGateway(config *Config) (*LocalGateway, error) {
	basePath := config.LocalPath
	if basePath == "" {
		basePath = "./files/storage"
	}
	if config.SecretKey == "" {
		return nil, fmt.Errorf("%w: local store needs a secret key to sign part urls", upload.ErrConfiguration)
	}
	bucket := config.Bucket
	if bucket == "" || !filepath.IsLocal(bucket) {
		return nil, fmt.Errorf("%w: invalid bucket name %q", upload.ErrConfiguration, bucket)
	}

	if err := os.MkdirAll(filepath.Join(basePath, multipartDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(basePath, bucket), 0755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}

	return &LocalGateway{
		basePath:    basePath,
		bucket:      bucket,
		externalURL: strings.TrimRight(config.ExternalURL, "/"),
		secret:      []byte(config.SecretKey),
		now:         time.Now,
	}, nil
}

func (g *LocalGateway) CreateSession(ctx context.Context, key, contentType string) (upload.Session, error) {
	if err := checkKey(key); err != nil {
		return upload.Session{}, err
	}

	uploadID := uuid.NewString()
	dir := g.sessionDir(uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return upload.Session{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}

	meta, _ := json.Marshal(localSession{Key: key, ContentType: contentType, CreatedAt: g.now().Unix()})
	if err := os.WriteFile(filepath.Join(dir, sessionFile), meta, 0644); err != nil {
		os.RemoveAll(dir)
		return upload.Session{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}

	return upload.Session{UploadID: uploadID, Key: key, ContentType: contentType}, nil
}

func (g *LocalGateway) UploadPart(ctx context.Context, session upload.Session, partNumber int, body io.Reader, size int64) (upload.PartResult, error) {
	if err := checkPartNumber(partNumber); err != nil {
		return upload.PartResult{}, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, err := g.openSession(session); err != nil {
		return upload.PartResult{}, err
	}

	dir := g.sessionDir(session.UploadID)
	tmp, err := os.CreateTemp(dir, "part-*")
	if err != nil {
		return upload.PartResult{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, h), body)
	closeErr := tmp.Close()
	if err != nil {
		return upload.PartResult{}, fmt.Errorf("%w: part %d: %v", upload.ErrPartTransferFailed, partNumber, err)
	}
	if closeErr != nil {
		return upload.PartResult{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, closeErr)
	}
	if size >= 0 && written != size {
		return upload.PartResult{}, fmt.Errorf("%w: part %d has %d bytes, expected %d", upload.ErrPartTransferFailed, partNumber, written, size)
	}

	if err := os.Rename(tmp.Name(), g.partPath(session.UploadID, partNumber)); err != nil {
		return upload.PartResult{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}

	return upload.PartResult{PartNumber: partNumber, ETag: etagOf(h)}, nil
}

func (g *LocalGateway) SignPart(ctx context.Context, session upload.Session, partNumber int, ttl time.Duration) (string, error) {
	if err := checkPartNumber(partNumber); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = upload.DefaultSignTTL
	}

	g.mu.RLock()
	_, err := g.openSession(session)
	g.mu.RUnlock()
	if err != nil {
		return "", err
	}

	now := g.now()
	claims := partClaims{
		Key:        session.Key,
		UploadID:   session.UploadID,
		PartNumber: partNumber,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign part url: %v", upload.ErrConfiguration, err)
	}
	return g.externalURL + "/storage/parts/" + token, nil
}

// PutSignedPart stores a part sent to a URL produced by SignPart.
func (g *LocalGateway) PutSignedPart(ctx context.Context, token string, body io.Reader, size int64) (upload.PartResult, error) {
	session, partNumber, err := g.verifyPartToken(token)
	if err != nil {
		return upload.PartResult{}, err
	}
	return g.UploadPart(ctx, session, partNumber, body, size)
}

func (g *LocalGateway) verifyPartToken(token string) (upload.Session, int, error) {
	claims := &partClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(g.now), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return upload.Session{}, 0, upload.ExpiredURL("part url token expired")
	}
	if err != nil {
		return upload.Session{}, 0, fmt.Errorf("%w: invalid part url: %v", upload.ErrInvalidRequest, err)
	}
	return upload.Session{UploadID: claims.UploadID, Key: claims.Key}, claims.PartNumber, nil
}

func (g *LocalGateway) ListParts(ctx context.Context, session upload.Session) ([]upload.PartResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, err := g.openSession(session); err != nil {
		return nil, err
	}
	return g.listParts(session.UploadID)
}

func (g *LocalGateway) listParts(uploadID string) ([]upload.PartResult, error) {
	entries, err := os.ReadDir(g.sessionDir(uploadID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}

	var parts []upload.PartResult
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), partSuffix)
		if !ok {
			continue
		}
		partNumber, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		etag, err := fileETag(filepath.Join(g.sessionDir(uploadID), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
		}
		parts = append(parts, upload.PartResult{PartNumber: partNumber, ETag: etag})
	}

	slices.SortFunc(parts, func(a, b upload.PartResult) int { return a.PartNumber - b.PartNumber })
	return parts, nil
}

func (g *LocalGateway) CompleteSession(ctx context.Context, session upload.Session, parts []upload.PartResult) (upload.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.openSession(session); err != nil {
		return upload.Completion{}, err
	}
	if len(parts) == 0 {
		return upload.Completion{}, fmt.Errorf("%w: no parts", upload.ErrIncompletePartSet)
	}

	stored, err := g.listParts(session.UploadID)
	if err != nil {
		return upload.Completion{}, err
	}
	etags := make(map[int]string, len(stored))
	for _, p := range stored {
		etags[p.PartNumber] = p.ETag
	}

	combined := md5.New()
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return upload.Completion{}, fmt.Errorf("%w: parts not in ascending order", upload.ErrIncompletePartSet)
		}
		etag, ok := etags[p.PartNumber]
		if !ok || strings.Trim(etag, `"`) != strings.Trim(p.ETag, `"`) {
			return upload.Completion{}, fmt.Errorf("%w: part %d not found or etag mismatch", upload.ErrIncompletePartSet, p.PartNumber)
		}
		raw, _ := hex.DecodeString(strings.Trim(etag, `"`))
		combined.Write(raw)
	}

	target := g.objectPath(session.Key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return upload.Completion{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}
	if err := g.assemble(session.UploadID, parts, target); err != nil {
		return upload.Completion{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}
	if err := os.RemoveAll(g.sessionDir(session.UploadID)); err != nil {
		return upload.Completion{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}

	return upload.Completion{
		Location: g.ObjectURL(session.Key),
		Key:      session.Key,
		UploadID: session.UploadID,
		ETag:     fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(combined.Sum(nil)), len(parts)),
	}, nil
}

func (g *LocalGateway) assemble(uploadID string, parts []upload.PartResult, target string) error {
	out, err := os.CreateTemp(filepath.Dir(target), ".object-*")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name())

	for _, p := range parts {
		if err := appendFile(out, g.partPath(uploadID, p.PartNumber)); err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(out.Name(), target)
}

func (g *LocalGateway) AbortSession(ctx context.Context, session upload.Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.openSession(session); err != nil {
		return err
	}
	if err := os.RemoveAll(g.sessionDir(session.UploadID)); err != nil {
		return fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}
	return nil
}

// Open returns a completed object and its size.
func (g *LocalGateway) Open(key string) (*os.File, int64, error) {
	if err := checkKey(key); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(g.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: object %q not found", upload.ErrInvalidRequest, key)
		}
		return nil, 0, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: object %q not found", upload.ErrInvalidRequest, key)
	}
	return f, info.Size(), nil
}

func (g *LocalGateway) ObjectURL(key string) string {
	return g.externalURL + "/storage/objects/" + escapeKey(key)
}

func (g *LocalGateway) openSession(session upload.Session) (localSession, error) {
	if err := checkSession(session); err != nil {
		return localSession{}, err
	}
	if err := uuid.Validate(session.UploadID); err != nil {
		return localSession{}, fmt.Errorf("%w: malformed upload id", upload.ErrInvalidRequest)
	}

	data, err := os.ReadFile(filepath.Join(g.sessionDir(session.UploadID), sessionFile))
	if os.IsNotExist(err) {
		return localSession{}, fmt.Errorf("%w: no such upload %s", upload.ErrSessionAlreadyFinalized, session.UploadID)
	}
	if err != nil {
		return localSession{}, fmt.Errorf("%w: %v", upload.ErrStoreUnavailable, err)
	}

	var meta localSession
	if err := json.Unmarshal(data, &meta); err != nil {
		return localSession{}, fmt.Errorf("%w: corrupt session %s", upload.ErrStoreUnavailable, session.UploadID)
	}
	if meta.Key != session.Key {
		return localSession{}, fmt.Errorf("%w: no such upload %s for key %q", upload.ErrSessionAlreadyFinalized, session.UploadID, session.Key)
	}
	return meta, nil
}

func (g *LocalGateway) sessionDir(uploadID string) string {
	return filepath.Join(g.basePath, multipartDir, uploadID)
}

func (g *LocalGateway) partPath(uploadID string, partNumber int) string {
	return filepath.Join(g.sessionDir(uploadID), strconv.Itoa(partNumber)+partSuffix)
}

func (g *LocalGateway) objectPath(key string) string {
	return filepath.Join(g.basePath, g.bucket, filepath.FromSlash(key))
}

func checkKey(key string) error {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return fmt.Errorf("%w: invalid object key %q", upload.ErrInvalidRequest, key)
	}
	return nil
}

func etagOf(h hash.Hash) string {
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`
}

func fileETag(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return etagOf(h), nil
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}
