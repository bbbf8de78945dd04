package mesh

import (
	"errors"
	"fmt"
)

const (
	ErrNotInitializedSymbol       = "ERR_NOT_INITIALIZED"
	ErrInvalidParamsSymbol        = "ERR_INVALID_PARAMS"
	ErrTransportUnavailableSymbol = "ERR_TRANSPORT_UNAVAILABLE"
	ErrPermissionDeniedSymbol     = "ERR_PERMISSION_DENIED"
	ErrSendFailedSymbol           = "ERR_SEND_FAILED"
	ErrMalformedPayloadSymbol     = "ERR_MALFORMED_PAYLOAD"
	ErrUnknownKindSymbol          = "ERR_UNKNOWN_KIND"
)

// MeshError is a stable, symbol-tagged error. Callers branch on the symbol
// rather than on message text.
type MeshError struct {
	Symbol  string
	Message string
}

func (e *MeshError) Error() string {
	return fmt.Sprintf("%s: %s", e.Symbol, e.Message)
}

// Is reports symbol equality so errors.Is matches wrapped variants against
// their sentinel.
func (e *MeshError) Is(target error) bool {
	var other *MeshError
	if !errors.As(target, &other) {
		return false
	}
	return e.Symbol == other.Symbol
}

var (
	ErrNotInitialized       = &MeshError{Symbol: ErrNotInitializedSymbol, Message: "engine identity is not initialized"}
	ErrInvalidParams        = &MeshError{Symbol: ErrInvalidParamsSymbol, Message: "invalid parameters"}
	ErrTransportUnavailable = &MeshError{Symbol: ErrTransportUnavailableSymbol, Message: "transport unavailable"}
	ErrPermissionDenied     = &MeshError{Symbol: ErrPermissionDeniedSymbol, Message: "transport permission denied"}
	ErrSendFailed           = &MeshError{Symbol: ErrSendFailedSymbol, Message: "send failed"}
	ErrMalformedPayload     = &MeshError{Symbol: ErrMalformedPayloadSymbol, Message: "malformed payload"}
	ErrUnknownKind          = &MeshError{Symbol: ErrUnknownKindSymbol, Message: "unknown message kind"}
)

// WrapMeshError builds a MeshError carrying base's symbol with a detailed
// message.
func WrapMeshError(base *MeshError, format string, args ...any) *MeshError {
	return &MeshError{
		Symbol:  base.Symbol,
		Message: fmt.Sprintf(format, args...),
	}
}

// SymbolOf extracts the symbol from err, or returns the empty string when
// err carries no MeshError.
func SymbolOf(err error) string {
	if err == nil {
		return ""
	}
	var me *MeshError
	if errors.As(err, &me) {
		return me.Symbol
	}
	return ""
}
