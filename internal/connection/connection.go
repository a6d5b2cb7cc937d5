// Package connection maps client connection state onto the small token set
// exposed to hosts.
package connection

import (
	"time"

	"github.com/matt-riley/flagbridge/sdk"
)

const (
	StateStreaming = "STREAMING"
	StatePolling   = "POLLING"
	StateOffline   = "OFFLINE"

	FailureUnexpectedResponseCode = "UNEXPECTED_RESPONSE_CODE"
	FailureUnknownError           = "UNKNOWN_ERROR"
)

// State returns the wire token for mode.
func State(mode sdk.ConnectionMode) string {
	switch mode {
	case sdk.ConnectionStreaming, sdk.ConnectionEstablishingStreaming:
		return StateStreaming
	case sdk.ConnectionPolling:
		return StatePolling
	default:
		return StateOffline
	}
}

// Failure returns the wire payload for reason, or nil when there was no
// failure worth reporting.
func Failure(reason sdk.FailureReason) map[string]any {
	switch reason.Kind {
	case sdk.FailureHTTPError, sdk.FailureUnauthorized:
		return map[string]any{"message": reason.Description(), "failureType": FailureUnexpectedResponseCode}
	case sdk.FailureUnknownError:
		return map[string]any{"message": reason.Message, "failureType": FailureUnknownError}
	default:
		return nil
	}
}

// ToWire converts info into a host payload. It returns nil when info is nil.
// lastFailure is always present and nil when there is no failure; the
// timestamps are omitted when unknown.
func ToWire(info *sdk.ConnectionInformation) map[string]any {
	if info == nil {
		return nil
	}
	out := map[string]any{
		"connectionState": State(info.CurrentConnectionMode),
		"lastFailure":     nil,
	}
	if failure := Failure(info.LastConnectionFailureReason); failure != nil {
		out["lastFailure"] = failure
	}
	if info.LastKnownFlagValidity != nil {
		out["lastSuccessfulConnection"] = EpochMillis(*info.LastKnownFlagValidity)
	}
	if info.LastFailedConnection != nil {
		out["lastFailedConnection"] = EpochMillis(*info.LastFailedConnection)
	}
	return out
}

// EpochMillis returns t as milliseconds since the Unix epoch, floored toward
// negative infinity.
func EpochMillis(t time.Time) int64 {
	// UnixMilli truncates the non-negative sub-second part, which floors.
	return t.UnixMilli()
}
