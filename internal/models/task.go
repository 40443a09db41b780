package models

import (
	"encoding/json"
	"time"
)

// TaskType identifies which remote operation a queued task maps to.
type TaskType string

// const ...
const (
	TaskTypeUploadPhoto         TaskType = "upload_photo"
	TaskTypeFlagDefect          TaskType = "flag_defect"
	TaskTypeFlagPotentialDefect TaskType = "flag_potential_defect"
	TaskTypeCompletePiece       TaskType = "complete_piece"
)

// Task represents a persisted unit of outbound work. Tasks are drained in
// strict insertion order; a task is either pending or deleted, there is no
// separate in-flight state.
type Task struct {
	CreatedAt      time.Time       `json:"created_at"`
	Type           TaskType        `json:"type"`
	LastError      string          `json:"last_error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	ID             int64           `json:"id"`
	RetryCount     int             `json:"retry_count"`
}

// UploadPhotoPayload ...
type UploadPhotoPayload struct {
	FilePath  string `json:"file_path"`
	SessionID string `json:"session_id"`
	PieceID   string `json:"piece_id,omitempty"`
}

// FlagDefectPayload carries the piece reference and the voice-note transcript
// for both confirmed and potential defect flags.
type FlagDefectPayload struct {
	PieceID         string `json:"piece_id"`
	AudioTranscript string `json:"audio_transcript"`
}

// CompletePiecePayload ...
type CompletePiecePayload struct {
	SessionID string `json:"session_id"`
	PieceID   string `json:"piece_id"`
	Status    string `json:"status"`
}

// Session is the active inspection session as reported by the central server.
type Session struct {
	StartedAt time.Time `json:"startedAt"`
	ID        string    `json:"id"`
	BatchRef  string    `json:"batchRef,omitempty"`
}

// UploaderState reflects the outcome of the most recent dispatch attempt.
type UploaderState string

// const ...
const (
	UploaderStateIdle       UploaderState = "idle"
	UploaderStateProcessing UploaderState = "processing"
	UploaderStateSuccess    UploaderState = "success"
	UploaderStateError      UploaderState = "error"
)

// StatusSnapshot is derived on demand for the status LED and the local health
// endpoint; it is never persisted.
type StatusSnapshot struct {
	LastSuccessTime time.Time     `json:"last_success_time"`
	State           UploaderState `json:"state"`
	LastError       string        `json:"last_error,omitempty"`
	PendingCount    int           `json:"pending_count"`
}
