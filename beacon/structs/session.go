// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// ConnectionSetupRequest is the first RPC on a new client connection. It
// binds a session to the connection; every later request on the connection
// carries the returned SessionID.
type ConnectionSetupRequest struct {
	// ClientIP as reported by the client; the server prefers the address
	// it observed on the socket when they disagree.
	ClientIP string

	// Meta carries client version and labels, kept for diagnostics.
	Meta map[string]string

	QueryOptions
}

type ConnectionSetupResponse struct {
	SessionID string

	QueryMeta
}

// SessionPingRequest is the client heartbeat. It doubles as the answer to
// a server ClientDetection probe.
type SessionPingRequest struct {
	SessionID string

	QueryOptions
}

type SessionPingResponse struct {
	QueryMeta
}

// Server-to-client push payloads. These travel over a reverse stream on
// the client's own connection.

// NotifySubscriberRequest pushes a fresh service snapshot to a subscriber.
type NotifySubscriberRequest struct {
	ServiceInfo *ServiceInfo
}

type NotifySubscriberResponse struct{}

// ConfigChangeNotifyRequest tells a listener that the effective content
// for a key changed. It carries no content; the client re-queries.
type ConfigChangeNotifyRequest struct {
	Config ConfigKey
}

type ConfigChangeNotifyResponse struct{}

// ClientDetectionRequest is the server's liveness probe.
type ClientDetectionRequest struct{}

type ClientDetectionResponse struct{}

// ConnectResetRequest tells the client to drop the connection and
// re-establish, used on server drain and push saturation.
type ConnectResetRequest struct{}

type ConnectResetResponse struct{}
