// Package brokererr defines the error taxonomy shared by the packet
// handlers, the delivery engine, and the metadata-mutation RPC surface.
package brokererr

import (
	"errors"
	"fmt"

	"github.com/flowmq/broker/internal/mqttpkt"
)

var (
	ErrAuthFailure           = errors.New("authentication failed")
	ErrNotFoundConnection    = errors.New("not found connection in cache")
	ErrNotFoundClient        = errors.New("not found client in cache")
	ErrNotFoundSession       = errors.New("not found session in cache")
	ErrNotFoundTopic         = errors.New("not found topic")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrSessionPersistFailure = errors.New("session persist failure")
	ErrReplicatedLogWrite    = errors.New("replicated log write failed")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
)

// Err wraps a taxonomy sentinel with call-site context, in the style of
// Context/Message error wrappers used across the reference corpus.
type Err struct {
	Context string
	Cause   error
}

func (e *Err) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Cause)
}

func (e *Err) Unwrap() error { return e.Cause }

func Wrap(context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Err{Context: context, Cause: cause}
}

// DisconnectReason maps a taxonomy error to the MQTT v5 reason code the
// packet handlers must answer with. Errors that don't match a known
// sentinel default to UnspecifiedError.
func DisconnectReason(err error) mqttpkt.ReasonCode {
	switch {
	case errors.Is(err, ErrAuthFailure):
		return mqttpkt.ReasonNotAuthorized
	case errors.Is(err, ErrNotFoundConnection), errors.Is(err, ErrNotFoundClient), errors.Is(err, ErrNotFoundSession):
		return mqttpkt.ReasonUnspecifiedError
	case errors.Is(err, ErrStorageUnavailable):
		return mqttpkt.ReasonUnspecifiedError
	case errors.Is(err, ErrSessionPersistFailure):
		return mqttpkt.ReasonAdministrativeAction
	default:
		return mqttpkt.ReasonUnspecifiedError
	}
}
