package ocpp

import "crypto/tls"

// TLSInfo mirrors the subset of connection-state TLS info the spec's
// handshake record exposes.
type TLSInfo struct {
	Authorized bool
	Cert       *tls.Certificate
}

// Handshake is immutable once a connection reaches OPEN (spec §3).
type Handshake struct {
	Identity           string
	Pathname           string
	Params             map[string]string
	Query              map[string][]string
	Headers            map[string][]string
	RemoteAddress      string
	TLS                *TLSInfo
	Password           []byte
	RequestedProtocols []string
}
