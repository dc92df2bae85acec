package mfhttp

import (
	"fmt"
	"time"
)

// Chunk is one contiguous byte range of the remote resource. EndOffset is inclusive.
type Chunk struct {
	Index           int    `json:"index"`
	StartOffset     int64  `json:"startOffset"`
	EndOffset       int64  `json:"endOffset"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	Completed       bool   `json:"completed"`
	TempFileName    string `json:"tempFileName"`
	LastError       string `json:"lastError,omitempty"`
	RetryCount      int    `json:"retryCount"`
}

func (c Chunk) ExpectedLength() int64 {
	return c.EndOffset - c.StartOffset + 1
}

func (c Chunk) Remaining() int64 {
	return c.ExpectedLength() - c.BytesDownloaded
}

// withBytes returns a copy of c with the downloaded count set and completion recomputed.
func (c Chunk) withBytes(n int64) Chunk {
	c.BytesDownloaded = n
	c.Completed = n == c.ExpectedLength()
	return c
}

// TransferPlan is the persisted description of one (url, destination) transfer.
type TransferPlan struct {
	URL                   string    `json:"url"`
	FileName              string    `json:"fileName"`
	TotalSize             int64     `json:"totalSize"`
	ChunkSize             int64     `json:"chunkSize"`
	SupportsRangeRequests bool      `json:"supportsRangeRequests"`
	WorkingDirectory      string    `json:"workingDirectory"`
	CreatedAt             time.Time `json:"createdAt"`
	LastModifiedAt        time.Time `json:"lastModifiedAt"`
	Chunks                []Chunk   `json:"chunks"`
}

func chunkFileName(index int) string {
	return fmt.Sprintf("chunk_%04d.part", index)
}

// NewPlan partitions [0, totalSize) into chunkSize pieces. A server without range
// support always gets a single chunk.
func NewPlan(url, fileName string, totalSize, chunkSize int64, supportsRange bool, workDir string, now time.Time) (TransferPlan, error) {
	if totalSize <= 0 {
		return TransferPlan{}, fmt.Errorf("%w: %d", ErrUnknownSize, totalSize)
	}
	if chunkSize <= 0 || !supportsRange || chunkSize > totalSize {
		chunkSize = totalSize
	}
	plan := TransferPlan{
		URL:                   url,
		FileName:              fileName,
		TotalSize:             totalSize,
		ChunkSize:             chunkSize,
		SupportsRangeRequests: supportsRange,
		WorkingDirectory:      workDir,
		CreatedAt:             now,
		LastModifiedAt:        now,
	}
	count := int((totalSize + chunkSize - 1) / chunkSize)
	plan.Chunks = make([]Chunk, 0, count)
	for i := range count {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, totalSize) - 1
		plan.Chunks = append(plan.Chunks, Chunk{
			Index:        i,
			StartOffset:  start,
			EndOffset:    end,
			TempFileName: chunkFileName(i),
		})
	}
	return plan, nil
}

// Downgraded rewrites the plan as one full-file chunk in single-stream mode.
func (p TransferPlan) Downgraded(now time.Time) TransferPlan {
	out := p.Clone()
	out.SupportsRangeRequests = false
	out.ChunkSize = p.TotalSize
	out.LastModifiedAt = now
	out.Chunks = []Chunk{{
		Index:        0,
		StartOffset:  0,
		EndOffset:    p.TotalSize - 1,
		TempFileName: chunkFileName(0),
	}}
	return out
}

func (p TransferPlan) Clone() TransferPlan {
	out := p
	out.Chunks = make([]Chunk, len(p.Chunks))
	copy(out.Chunks, p.Chunks)
	return out
}

func (p TransferPlan) DownloadedBytes() int64 {
	var total int64
	for _, c := range p.Chunks {
		total += c.BytesDownloaded
	}
	return total
}

func (p TransferPlan) Pending() []int {
	var pending []int
	for _, c := range p.Chunks {
		if !c.Completed {
			pending = append(pending, c.Index)
		}
	}
	return pending
}

func (p TransferPlan) IsComplete() bool {
	for _, c := range p.Chunks {
		if !c.Completed {
			return false
		}
	}
	return len(p.Chunks) > 0
}

// Validate checks the structural invariants: chunks exist, are ordered by index,
// partition [0, TotalSize) contiguously, and carry consistent progress counters.
func (p TransferPlan) Validate() error {
	if len(p.Chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrCorruptPlan)
	}
	if p.TotalSize <= 0 {
		return fmt.Errorf("%w: total size %d", ErrCorruptPlan, p.TotalSize)
	}
	var next int64
	for i, c := range p.Chunks {
		if c.Index != i {
			return fmt.Errorf("%w: chunk at position %d has index %d", ErrCorruptPlan, i, c.Index)
		}
		if c.StartOffset != next || c.EndOffset < c.StartOffset {
			return fmt.Errorf("%w: chunk %d range %d-%d breaks the partition", ErrCorruptPlan, i, c.StartOffset, c.EndOffset)
		}
		if c.BytesDownloaded < 0 || c.BytesDownloaded > c.ExpectedLength() {
			return fmt.Errorf("%w: chunk %d has %d of %d bytes", ErrCorruptPlan, i, c.BytesDownloaded, c.ExpectedLength())
		}
		if c.TempFileName == "" {
			return fmt.Errorf("%w: chunk %d has no temp file", ErrCorruptPlan, i)
		}
		next = c.EndOffset + 1
	}
	if next != p.TotalSize {
		return fmt.Errorf("%w: chunks cover %d of %d bytes", ErrCorruptPlan, next, p.TotalSize)
	}
	return nil
}
