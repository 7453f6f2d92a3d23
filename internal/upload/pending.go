package upload

import (
	"sync"
	"time"
)

type PendingStatus string

const (
	PendingUploading PendingStatus = "uploading"
	PendingCompleted PendingStatus = "completed"
	PendingFailed    PendingStatus = "failed"
	PendingAborted   PendingStatus = "aborted"
)

type PendingUploadItem struct {
	UploadID  string        `json:"uploadId"`
	FileName  string        `json:"fileName"`
	Size      int64         `json:"size"`
	Status    PendingStatus `json:"status"`
	Percent   int           `json:"percent"`
	Path      string        `json:"path,omitempty"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt int64         `json:"updatedAt"`
}

// PendingListener is called with a copy of every item after it changes. Listeners run
// synchronously on the writer's goroutine and must not block.
type PendingListener func(PendingUploadItem)

// PendingList tracks the lifecycle of every upload started in this process, keyed by upload id.
// Items are never removed.
type PendingList struct {
	mu        sync.RWMutex
	items     map[string]*PendingUploadItem
	order     []string
	listeners []PendingListener
}

func NewPendingList() *PendingList {
	return &PendingList{
		items: make(map[string]*PendingUploadItem),
	}
}

func (p *PendingList) Subscribe(listener PendingListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listener)
}

func (p *PendingList) Add(uploadID, fileName string, size int64) {
	p.update(uploadID, func(item *PendingUploadItem) {
		item.FileName = fileName
		item.Size = size
		item.Status = PendingUploading
	})
}

func (p *PendingList) SetProgress(uploadID string, percent int) {
	p.update(uploadID, func(item *PendingUploadItem) {
		if item.Status == PendingUploading && percent > item.Percent {
			item.Percent = percent
		}
	})
}

func (p *PendingList) Complete(uploadID, location string) {
	p.update(uploadID, func(item *PendingUploadItem) {
		item.Status = PendingCompleted
		item.Percent = 100
		item.Path = location
	})
}

func (p *PendingList) Fail(uploadID string, status PendingStatus, reason string) {
	p.update(uploadID, func(item *PendingUploadItem) {
		if item.Status == PendingCompleted {
			return
		}
		item.Status = status
		item.Error = reason
	})
}

func (p *PendingList) Get(uploadID string) (PendingUploadItem, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item, ok := p.items[uploadID]
	if !ok {
		return PendingUploadItem{}, false
	}
	return *item, true
}

// List returns the items in the order their uploads started.
func (p *PendingList) List() []PendingUploadItem {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]PendingUploadItem, 0, len(p.order))
	for _, id := range p.order {
		result = append(result, *p.items[id])
	}
	return result
}

func (p *PendingList) update(uploadID string, mutate func(*PendingUploadItem)) {
	p.mu.Lock()
	item, ok := p.items[uploadID]
	if !ok {
		item = &PendingUploadItem{UploadID: uploadID, Status: PendingUploading}
		p.items[uploadID] = item
		p.order = append(p.order, uploadID)
	}
	mutate(item)
	item.UpdatedAt = time.Now().Unix()
	snapshot := *item
	listeners := make([]PendingListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}
