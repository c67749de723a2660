package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrMissingToken         = errors.New("authentication token not found")
	ErrUnauthorized         = errors.New("token rejected by server")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNoActiveConversation = errors.New("no conversation selected")
	ErrEmptyMessage         = errors.New("message body is empty")
)

// Real-time channel errors.
var (
	ErrAuthRejected       = errors.New("websocket authentication rejected")
	ErrReconnectExhausted = errors.New("could not reconnect to chat")
	ErrNotConnected       = errors.New("websocket not connected")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
