package sdk

import (
	"fmt"
	"time"
)

// ConnectionMode is the client's current way of receiving flag updates.
type ConnectionMode int

const (
	ConnectionOffline ConnectionMode = iota
	ConnectionStreaming
	ConnectionEstablishingStreaming
	ConnectionPolling
)

func (m ConnectionMode) String() string {
	switch m {
	case ConnectionStreaming:
		return "streaming"
	case ConnectionEstablishingStreaming:
		return "establishingStreamingConnection"
	case ConnectionPolling:
		return "polling"
	default:
		return "offline"
	}
}

// FailureKind classifies the last connection failure.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureHTTPError
	FailureUnauthorized
	FailureUnknownError
)

// FailureReason describes why the last connection attempt failed.
type FailureReason struct {
	Kind       FailureKind
	StatusCode int    // set for FailureHTTPError
	Message    string // set for FailureUnknownError
}

// Description returns a human-readable description of the failure.
func (r FailureReason) Description() string {
	switch r.Kind {
	case FailureHTTPError:
		return fmt.Sprintf("httpError(%d)", r.StatusCode)
	case FailureUnauthorized:
		return "unauthorized"
	case FailureUnknownError:
		return r.Message
	default:
		return "none"
	}
}

// ConnectionInformation is a snapshot of the client's connection state.
type ConnectionInformation struct {
	CurrentConnectionMode       ConnectionMode
	LastConnectionFailureReason FailureReason
	LastKnownFlagValidity       *time.Time
	LastFailedConnection        *time.Time
}
