package common

import "time"

// TransferState represents the state of a file transfer session
type TransferState int

const (
	// TransferStateIdle indicates the session has been admitted but not started
	TransferStateIdle TransferState = iota
	// TransferStateTransferring indicates bytes are flowing
	TransferStateTransferring
	// TransferStateCompleted indicates every byte was delivered
	TransferStateCompleted
	// TransferStateCancelled indicates the session was cancelled by a caller
	TransferStateCancelled
	// TransferStateFailed indicates the session stopped on an error
	TransferStateFailed
)

// String returns a string representation of the transfer state
func (s TransferState) String() string {
	switch s {
	case TransferStateIdle:
		return "idle"
	case TransferStateTransferring:
		return "transferring"
	case TransferStateCompleted:
		return "completed"
	case TransferStateCancelled:
		return "cancelled"
	case TransferStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further progress can follow this state
func (s TransferState) IsTerminal() bool {
	return s == TransferStateCompleted || s == TransferStateCancelled || s == TransferStateFailed
}

// MarshalText encodes the state by name so JSON payloads stay readable
func (s TransferState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TransferDirection tells whether a session sends or receives
type TransferDirection string

const (
	// TransferDirectionUpload indicates the local device is the sender
	TransferDirectionUpload TransferDirection = "upload"
	// TransferDirectionDownload indicates the local device is the receiver
	TransferDirectionDownload TransferDirection = "download"
)

// TransferProgress is published after every chunk and once more when a session ends.
type TransferProgress struct {
	SessionID        string            `json:"session_id"`
	DeviceID         string            `json:"device_id"`
	FileName         string            `json:"file_name"`
	Direction        TransferDirection `json:"direction"`
	BytesTransferred int64             `json:"bytes_transferred"`
	TotalBytes       int64             `json:"total_bytes"`
	Percentage       float64           `json:"percentage"`
	SpeedBytesPerSec float64           `json:"speed_bytes_per_sec"`
	State            TransferState     `json:"state"`
	Error            string            `json:"error,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Percentage returns min(100, 100*transferred/total). An empty file is complete at 100.
func Percentage(transferred, total int64) float64 {
	if total <= 0 {
		return 100
	}
	if transferred <= 0 {
		return 0
	}
	p := float64(transferred) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Speed returns bytes per second over the elapsed duration, zero before any time has passed.
func Speed(transferred int64, elapsed time.Duration) float64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(transferred) / seconds
}
