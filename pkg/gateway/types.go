package gateway

import (
	"errors"
	"fmt"
)

// InstanceState is the connection state the gateway reports for an instance
type InstanceState string

const (
	StateOpen       InstanceState = "open"
	StateConnecting InstanceState = "connecting"
	StateClosed     InstanceState = "close"
)

// InstanceStatus is the gateway's view of an instance and the account bound
// to it.
type InstanceStatus struct {
	State         InstanceState `json:"state"`
	Phone         *string       `json:"phone,omitempty"`
	DisplayName   *string       `json:"name,omitempty"`
	ProfilePicURL *string       `json:"picture,omitempty"`
}

// PairingCode is one issued QR code payload
type PairingCode struct {
	Code       string `json:"code"`
	TTLSeconds int    `json:"ttl"`
}

// ConfigError means the channel is not configured well enough to attempt the
// operation at all, such as a missing token.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// IsConfigError reports whether err is a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AuthError means the gateway rejected the channel's credentials. Retrying
// without operator intervention will not help.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// IsAuthError reports whether err is an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// TransportError wraps network or server failures talking to the gateway
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
