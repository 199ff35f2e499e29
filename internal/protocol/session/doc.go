// Package session owns the companion channel: addressing, the
// ProvideProcessInfo/RemoteInvoke request and response payloads, and
// transport security.
//
// Ownership boundary:
// - channel name resolution and dialing
// - request/response field encode and decode over protocol/frame + protocol/tlv
// - TLS configuration and cipher-suite policy
package session
