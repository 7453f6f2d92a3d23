package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type fakeGateway struct {
	mu sync.Mutex

	createErr   error
	completeErr error
	abortErr    error
	// uploadErr decides the error for an upload attempt; attempt counts from 1 per part.
	uploadErr func(partNumber, attempt int) error

	sessions      map[string]map[int][]byte
	attempts      map[int]int
	signed        []int
	createCalls   int
	completeCalls int
	abortCalls    int
	completed     [][]PartResult
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions: make(map[string]map[int][]byte),
		attempts: make(map[int]int),
	}
}

func etagFor(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (g *fakeGateway) CreateSession(ctx context.Context, key, contentType string) (Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.createCalls++
	if g.createErr != nil {
		return Session{}, g.createErr
	}
	id := fmt.Sprintf("upload-%d", g.createCalls)
	g.sessions[id] = make(map[int][]byte)
	return Session{UploadID: id, Key: key, ContentType: contentType}, nil
}

func (g *fakeGateway) UploadPart(ctx context.Context, session Session, partNumber int, body io.Reader, size int64) (PartResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return PartResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.attempts[partNumber]++
	if g.uploadErr != nil {
		if err := g.uploadErr(partNumber, g.attempts[partNumber]); err != nil {
			return PartResult{}, err
		}
	}
	parts, ok := g.sessions[session.UploadID]
	if !ok {
		return PartResult{}, ErrSessionAlreadyFinalized
	}
	parts[partNumber] = data
	return PartResult{PartNumber: partNumber, ETag: etagFor(data)}, nil
}

func (g *fakeGateway) SignPart(ctx context.Context, session Session, partNumber int, ttl time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signed = append(g.signed, partNumber)
	return fmt.Sprintf("http://store.test/%s/%s?partNumber=%d&sig=%d", session.Key, session.UploadID, partNumber, len(g.signed)), nil
}

func (g *fakeGateway) ListParts(ctx context.Context, session Session) ([]PartResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result []PartResult
	for n, data := range g.sessions[session.UploadID] {
		result = append(result, PartResult{PartNumber: n, ETag: etagFor(data)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PartNumber < result[j].PartNumber })
	return result, nil
}

func (g *fakeGateway) CompleteSession(ctx context.Context, session Session, parts []PartResult) (Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.completeCalls++
	g.completed = append(g.completed, parts)
	if g.completeErr != nil {
		return Completion{}, g.completeErr
	}
	delete(g.sessions, session.UploadID)
	return Completion{
		Location: "https://store.test/bucket/" + session.Key,
		Key:      session.Key,
		UploadID: session.UploadID,
	}, nil
}

func (g *fakeGateway) AbortSession(ctx context.Context, session Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.abortCalls++
	if g.abortErr != nil {
		return g.abortErr
	}
	if _, ok := g.sessions[session.UploadID]; !ok {
		return ErrSessionAlreadyFinalized
	}
	delete(g.sessions, session.UploadID)
	return nil
}

func (g *fakeGateway) stats() (creates, completes, aborts int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.completeCalls, g.abortCalls
}

func testFile(name string, size int64) File {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return File{Name: name, ContentType: "application/octet-stream", Size: size, Body: bytes.NewReader(data)}
}

type progressRecorder struct {
	mu     sync.Mutex
	values []int
}

func (r *progressRecorder) record(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, p.Percent)
}

func (r *progressRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}
