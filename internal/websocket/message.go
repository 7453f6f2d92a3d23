package websocket

import "github.com/prappser/multipart_uploader/internal/upload"

type MessageType string

const (
	MessageTypeConnected   MessageType = "connected"
	MessageTypeSnapshot    MessageType = "snapshot"
	MessageTypeUpload      MessageType = "upload"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeError       MessageType = "error"
)

// allUploads is the subscription key for every upload, used when a subscribe names none.
const allUploads = "*"

type IncomingMessage struct {
	Type     MessageType `json:"type"`
	UploadID string      `json:"uploadId,omitempty"`
}

type OutgoingMessage struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// SnapshotMessage carries the pending list as it stood when the client connected.
type SnapshotMessage struct {
	Type    MessageType                `json:"type"`
	Uploads []upload.PendingUploadItem `json:"uploads"`
}

type UploadMessage struct {
	Type   MessageType              `json:"type"`
	Upload upload.PendingUploadItem `json:"upload"`
}
