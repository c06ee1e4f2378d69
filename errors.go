package fieldsync

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable means the host has no usable persistent storage.
// It is fatal to the sync core and surfaced once, from Open.
var ErrStorageUnavailable = errors.New("fieldsync: persistent storage unavailable")

// ErrNotConnected is returned by channel send operations when the push
// connection is not open. Callers must treat it as a no-op, not a fault.
var ErrNotConnected = errors.New("fieldsync: channel not connected")

// ErrChannelClosed is returned by Connect after Disconnect has been called;
// a disconnected channel is terminal for the instance.
var ErrChannelClosed = errors.New("fieldsync: channel closed")

// ErrUnknownActionType marks a queued action whose type has no dispatcher.
// The action is logged and retained, never dropped.
var ErrUnknownActionType = errors.New("fieldsync: unknown action type")

// StorageError is an operation-level store failure, recoverable by retrying
// at the call site. Durability of records in a multi-record put is
// independent; a StorageError does not imply the whole batch failed.
type StorageError struct {
	Collection string
	Op         string
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NetworkFailure is any transport or HTTP failure on the intel API. It is
// always recoverable: reads fall back to the cache, writes queue for replay.
type NetworkFailure struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("network %s: %v", e.Op, e.Err)
}

func (e *NetworkFailure) Unwrap() error { return e.Err }

// ChannelError is a push transport failure. It is absorbed by the reconnect
// state machine and surfaced to subscribers only as a state transition.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func storageErr(collection, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Collection: collection, Op: op, Err: err}
}
