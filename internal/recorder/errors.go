package recorder

import "errors"

var (
	// ErrStartFailed means recording could not start: no sensor was being
	// observed, no experiment was selected, or the trial could not be
	// persisted.
	ErrStartFailed = errors.New("recording start failed")
	// ErrStartFailedDisconnected means a sensor was not connected.
	ErrStartFailedDisconnected = errors.New("recording start failed: sensor disconnected")
	// ErrStopFailedDisconnected means a sensor was not connected at stop;
	// the recording keeps running.
	ErrStopFailedDisconnected = errors.New("recording stop failed: sensor disconnected")
	// ErrStopFailedNoData means a sensor recorded nothing; the recording
	// keeps running.
	ErrStopFailedNoData = errors.New("recording stop failed: no data recorded")
	// ErrFailedSaveRecording means the completed trial could not be
	// persisted. The session is reset to INACTIVE regardless.
	ErrFailedSaveRecording = errors.New("failed to save recording")

	ErrUnknownSensor = errors.New("unknown sensor")
	ErrClosed        = errors.New("recorder controller closed")
)

// Stable numeric codes for the session errors.
const (
	CodeStartFailed             = 1
	CodeStartFailedDisconnected = 2
	CodeFailedSaveRecording     = 3
	CodeStopFailedDisconnected  = 4
	CodeStopFailedNoData        = 5
)

// ErrorCode maps err to its numeric code, or 0 when it is not a session
// error.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, ErrStartFailedDisconnected):
		return CodeStartFailedDisconnected
	case errors.Is(err, ErrStartFailed):
		return CodeStartFailed
	case errors.Is(err, ErrFailedSaveRecording):
		return CodeFailedSaveRecording
	case errors.Is(err, ErrStopFailedDisconnected):
		return CodeStopFailedDisconnected
	case errors.Is(err, ErrStopFailedNoData):
		return CodeStopFailedNoData
	default:
		return 0
	}
}
