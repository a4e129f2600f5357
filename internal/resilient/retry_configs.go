// Package resilient holds the named retry-policy presets DS, SCE and PCE
// use, tuned separately for reads, writes, and outbound connects.
package resilient

import (
	"time"

	"github.com/mailstack/mailstack/internal/retry"
)

// ReadRetryConfig is the preset for DS read queries; no DS read method
// applies it, so reads are not retried.
var ReadRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "db_read",
}

// WriteRetryConfig backs DS's busy-retry write path (§5): fewer attempts than
// reads since a write is less safe to retry blindly on ambiguous failure.
var WriteRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      2,
	OperationName:   "db_write",
}

// RelayConnectRetryConfig backs SCE's connect/TLS/AUTH-transient retry
// policy (§4.4).
var RelayConnectRetryConfig = retry.BackoffConfig{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "smtp_relay_connect",
}

// POP3ConnectRetryConfig backs PCE's connect/TLS retry policy, mirroring
// RelayConnectRetryConfig's shape for the retrieval side (§4.5).
var POP3ConnectRetryConfig = retry.BackoffConfig{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "pop3_retrieve_connect",
}
