package upload

import (
	"io"
)

// ChunkSize is the fixed part size. S3 rejects non-final parts below 5 MiB.
const ChunkSize int64 = 5 * 1024 * 1024

// MaxPartNumber is the highest part number an S3-compatible store accepts.
const MaxPartNumber = 10000

type Session struct {
	UploadID    string `json:"uploadId"`
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
}

// Chunk is one byte range [Start, End) of the source file.
type Chunk struct {
	PartNumber int   `json:"partNumber"`
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
}

func (c Chunk) Size() int64 {
	return c.End - c.Start
}

// PartResult uses the field names the completion call expects on the wire.
type PartResult struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

type Completion struct {
	Location string `json:"location"`
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
	ETag     string `json:"etag,omitempty"`
}

// File is the source handed to an upload run. Body must stay readable until the run ends.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.ReaderAt
}

func (f File) section(c Chunk) *io.SectionReader {
	return io.NewSectionReader(f.Body, c.Start, c.Size())
}

type State string

const (
	StateIdle              State = "idle"
	StateSessionCreated    State = "session_created"
	StateTransferringParts State = "transferring_parts"
	StateCompleting        State = "completing"
	StateCompleted         State = "completed"
	StateAborted           State = "aborted"
	StateFailed            State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:              {StateSessionCreated, StateFailed, StateAborted},
	StateSessionCreated:    {StateTransferringParts, StateFailed, StateAborted},
	StateTransferringParts: {StateCompleting, StateFailed, StateAborted},
	StateCompleting:        {StateCompleted, StateFailed, StateAborted},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Progress struct {
	UploadID       string `json:"uploadId"`
	PartsCompleted int    `json:"partsCompleted"`
	TotalParts     int    `json:"totalParts"`
	Percent        int    `json:"percent"`
}

type ProgressFunc func(Progress)

type Result struct {
	Session  Session      `json:"session"`
	Location string       `json:"location"`
	Parts    []PartResult `json:"parts"`
}
