package common

import "errors"

var (
	// ErrPermissionDenied is returned when a required permission has not been granted
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRadioDisabled is returned when the local radio could not be enabled
	ErrRadioDisabled = errors.New("radio disabled")
	// ErrDiscoveryFailed is returned when a scan could not be started
	ErrDiscoveryFailed = errors.New("discovery failed")
	// ErrConnectionFailed is returned when a peer could not be reached
	ErrConnectionFailed = errors.New("connection failed")
	// ErrNotConnected is returned when an operation needs a live session with a peer
	ErrNotConnected = errors.New("device not connected")
	// ErrTransferAlreadyInProgress is returned when a sender/receiver pair already has an active session
	ErrTransferAlreadyInProgress = errors.New("transfer already in progress")
	// ErrTransferFailed is recorded on sessions that stopped on an I/O error
	ErrTransferFailed = errors.New("transfer failed")
	// ErrTransferCancelled is recorded on sessions cancelled by a caller
	ErrTransferCancelled = errors.New("transfer cancelled")
	// ErrTranscodeUnavailable is returned when the transcoder cannot run on this host
	ErrTranscodeUnavailable = errors.New("transcoder unavailable")
	// ErrTranscodeFailed is returned when neither transcoding nor estimation produced a result
	ErrTranscodeFailed = errors.New("transcode failed")
)

// IsRetryable reports whether the operation that produced err may succeed if attempted again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrDiscoveryFailed) ||
		errors.Is(err, ErrTransferFailed) ||
		errors.Is(err, ErrRadioDisabled)
}
