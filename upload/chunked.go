package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oxicloud/storage-core/storageerr"
	"github.com/oxicloud/storage-core/utils/tempfile"
)

// Resumable chunked upload sizing.
const (
	DefaultChunkSize  = 5 * 1024 * 1024
	ChunkedThreshold  = 10 * 1024 * 1024
	DefaultSessionTTL = 24 * time.Hour
)

// CreateUploadResult describes a freshly opened upload session.
type CreateUploadResult struct {
	UploadID    string
	ChunkSize   int
	TotalChunks int
	ExpiresAt   time.Time
}

// ChunkUploadResult reports progress after a single chunk lands.
type ChunkUploadResult struct {
	ChunkIndex    int
	BytesReceived int64
	Progress      float64
	IsComplete    bool
}

// UploadStatus is the full progress view of a session.
type UploadStatus struct {
	UploadID        string
	Filename        string
	TotalSize       int64
	BytesReceived   int64
	Progress        float64
	TotalChunks     int
	CompletedChunks int
	PendingChunks   []int
	IsComplete      bool
}

type session struct {
	uploadID    string
	filename    string
	folderID    *string
	userID      string
	contentType string
	totalSize   int64
	chunkSize   int
	totalChunks int
	received    map[int]bool
	expiresAt   time.Time
	tempPath    string
	file        *os.File
	mu          sync.Mutex
}

// ChunkManager is the resumable-upload sub-module. Sessions are keyed by
// upload_id and spool chunk bytes into a preallocated temp file at their
// byte offset, so out-of-order and idempotent re-uploads are both cheap
// random writes.
type ChunkManager struct {
	pipeline         *Pipeline
	creator          *tempfile.Creator
	spoolDir         string
	defaultChunkSize int
	sessionTTL       time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewChunkManager constructs a ChunkManager rooted at spoolDir.
// defaultChunkSize applies to sessions that don't request their own chunk
// size; zero picks DefaultChunkSize.
func NewChunkManager(pipeline *Pipeline, spoolDir string, defaultChunkSize int, sessionTTL time.Duration) *ChunkManager {
	if defaultChunkSize <= 0 {
		defaultChunkSize = DefaultChunkSize
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &ChunkManager{
		pipeline:         pipeline,
		creator:          tempfile.NewCreator(),
		spoolDir:         spoolDir,
		defaultChunkSize: defaultChunkSize,
		sessionTTL:       sessionTTL,
		sessions:         make(map[string]*session),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start launches the background session-expiry loop.
func (m *ChunkManager) Start(ctx context.Context) {
	if m.ticker != nil {
		return
	}
	m.ticker = time.NewTicker(m.sessionTTL / 4)
	go func() {
		defer func() {
			m.ticker.Stop()
			close(m.doneCh)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-m.ticker.C:
				m.ExpireSessions()
			}
		}
	}()
}

// Stop halts the expiry loop. Safe to call on a manager that was never
// started.
func (m *ChunkManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	if m.ticker == nil {
		return
	}
	<-m.doneCh
}

// ExpireSessions drops every session past its deadline along with its
// partial spool data, and reports how many were removed.
func (m *ChunkManager) ExpireSessions() int {
	now := time.Now()

	m.mu.Lock()
	var expired []*session
	for id, s := range m.sessions {
		if now.After(s.expiresAt) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.file.Close()
		os.Remove(s.tempPath)
	}
	return len(expired)
}

// ShouldUseChunked reports whether size qualifies for chunked upload.
func (m *ChunkManager) ShouldUseChunked(size int64) bool {
	return size >= ChunkedThreshold
}

// CreateSession opens a new upload session and preallocates its spool file.
func (m *ChunkManager) CreateSession(ctx context.Context, userID, filename string, folderID *string, contentType string, totalSize int64, chunkSize int) (CreateUploadResult, error) {
	if chunkSize <= 0 {
		chunkSize = m.defaultChunkSize
	}

	f, _, err := m.creator.Create(filepath.Join(m.spoolDir, "chunked"))
	if err != nil {
		return CreateUploadResult{}, storageerr.Wrap(storageerr.InternalError, "create chunk spool file", err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return CreateUploadResult{}, storageerr.Wrap(storageerr.InternalError, "preallocate chunk spool file", err)
	}

	totalChunks := int(math.Ceil(float64(totalSize) / float64(chunkSize)))
	if totalChunks == 0 {
		totalChunks = 1
	}
	expiresAt := time.Now().Add(m.sessionTTL)

	s := &session{
		uploadID:    uuid.NewString(),
		filename:    filename,
		folderID:    folderID,
		userID:      userID,
		contentType: contentType,
		totalSize:   totalSize,
		chunkSize:   chunkSize,
		totalChunks: totalChunks,
		received:    make(map[int]bool),
		expiresAt:   expiresAt,
		tempPath:    f.Name(),
		file:        f,
	}

	m.mu.Lock()
	m.sessions[s.uploadID] = s
	m.mu.Unlock()

	return CreateUploadResult{
		UploadID:    s.uploadID,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		ExpiresAt:   expiresAt,
	}, nil
}

func (m *ChunkManager) get(uploadID string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[uploadID]
	m.mu.Unlock()
	if !ok {
		return nil, storageerr.New(storageerr.NotFound, "upload session not found: "+uploadID)
	}
	if time.Now().After(s.expiresAt) {
		return nil, storageerr.New(storageerr.InvalidInput, "upload session expired: "+uploadID)
	}
	return s, nil
}

// UploadChunk writes a single chunk at its byte offset. Re-uploading a
// chunk already marked complete is a no-op that still reports success,
// making retries idempotent.
func (m *ChunkManager) UploadChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte, checksumHex string) (ChunkUploadResult, error) {
	s, err := m.get(uploadID)
	if err != nil {
		return ChunkUploadResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.received[chunkIndex] {
		return m.statusForChunk(s, chunkIndex), nil
	}

	if checksumHex != "" {
		sum := md5.Sum(data)
		if hex.EncodeToString(sum[:]) != checksumHex {
			return ChunkUploadResult{}, storageerr.New(storageerr.InvalidInput, "chunk checksum mismatch")
		}
	}

	offset := int64(chunkIndex) * int64(s.chunkSize)
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return ChunkUploadResult{}, storageerr.Wrap(storageerr.InternalError, "write chunk", err)
	}
	s.received[chunkIndex] = true

	return m.statusForChunk(s, chunkIndex), nil
}

func (m *ChunkManager) statusForChunk(s *session, chunkIndex int) ChunkUploadResult {
	var bytesReceived int64
	for idx := range s.received {
		bytesReceived += chunkByteCount(idx, s)
	}
	return ChunkUploadResult{
		ChunkIndex:    chunkIndex,
		BytesReceived: bytesReceived,
		Progress:      float64(len(s.received)) / float64(s.totalChunks),
		IsComplete:    len(s.received) == s.totalChunks,
	}
}

func chunkByteCount(idx int, s *session) int64 {
	offset := int64(idx) * int64(s.chunkSize)
	remaining := s.totalSize - offset
	if remaining > int64(s.chunkSize) {
		return int64(s.chunkSize)
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetStatus reports session progress.
func (m *ChunkManager) GetStatus(ctx context.Context, uploadID string) (UploadStatus, error) {
	s, err := m.get(uploadID)
	if err != nil {
		return UploadStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var bytesReceived int64
	var pending []int
	for i := 0; i < s.totalChunks; i++ {
		if s.received[i] {
			bytesReceived += chunkByteCount(i, s)
		} else {
			pending = append(pending, i)
		}
	}

	return UploadStatus{
		UploadID:        s.uploadID,
		Filename:        s.filename,
		TotalSize:       s.totalSize,
		BytesReceived:   bytesReceived,
		Progress:        float64(len(s.received)) / float64(s.totalChunks),
		TotalChunks:     s.totalChunks,
		CompletedChunks: len(s.received),
		PendingChunks:   pending,
		IsComplete:      len(s.received) == s.totalChunks,
	}, nil
}

// CompleteUpload assembles the spooled chunks by handing the temp file to
// the Streaming tier, then finalizes the session.
func (m *ChunkManager) CompleteUpload(ctx context.Context, uploadID string) (Result, error) {
	s, err := m.get(uploadID)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	complete := len(s.received) == s.totalChunks
	s.mu.Unlock()
	if !complete {
		return Result{}, storageerr.New(storageerr.InvalidInput, fmt.Sprintf("upload session %s is missing chunks", uploadID))
	}

	if _, err := s.file.Seek(0, 0); err != nil {
		return Result{}, storageerr.Wrap(storageerr.InternalError, "seek assembled upload", err)
	}

	result, err := m.pipeline.uploadStreaming(ctx, s.userID, s.filename, s.folderID, s.file, s.contentType)
	if err != nil {
		return Result{}, err
	}

	if err := m.FinalizeUpload(ctx, uploadID); err != nil {
		return result, err
	}
	return result, nil
}

// FinalizeUpload removes the session and its spool file.
func (m *ChunkManager) FinalizeUpload(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	s, ok := m.sessions[uploadID]
	if ok {
		delete(m.sessions, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return storageerr.New(storageerr.NotFound, "upload session not found: "+uploadID)
	}

	s.file.Close()
	return os.Remove(s.tempPath)
}

// CancelUpload discards a session and its partial data.
func (m *ChunkManager) CancelUpload(ctx context.Context, uploadID string) error {
	return m.FinalizeUpload(ctx, uploadID)
}
