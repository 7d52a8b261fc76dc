// Package credentials describes how a channel secures its transport and what
// each call carries for authentication.
//
// Channel credentials configure the connection (plain TCP or TLS). Call
// credentials add metadata to every request. Both kinds are Parts and are
// composed with Combine, in any order:
//
//	creds := credentials.Combine(credentials.InsecureChannel(), credentials.InsecureCall())
package credentials

import (
	"context"
	"crypto/tls"
	"fmt"
)

// Part is one capability: either channel or call credentials.
type Part interface {
	isPart()
}

// ChannelCredentials configure the transport connection.
type ChannelCredentials interface {
	Part
	// TLSConfig returns nil for an insecure connection.
	TLSConfig() *tls.Config
}

// CallCredentials produce per-call metadata.
type CallCredentials interface {
	Part
	Metadata(ctx context.Context) (map[string]string, error)
	// RequireTransportSecurity reports whether the metadata must only travel over TLS.
	RequireTransportSecurity() bool
}

// Credentials is the union of one channel part and any number of call parts.
type Credentials struct {
	channel ChannelCredentials
	calls   []CallCredentials
}

// Combine builds Credentials from parts. The last channel part wins; call
// parts accumulate. A missing channel part means insecure.
func Combine(parts ...Part) Credentials {
	var c Credentials
	for _, p := range parts {
		switch v := p.(type) {
		case ChannelCredentials:
			c.channel = v
		case CallCredentials:
			c.calls = append(c.calls, v)
		}
	}
	return c
}

// Channel returns the channel part, defaulting to insecure.
func (c Credentials) Channel() ChannelCredentials {
	if c.channel == nil {
		return insecureChannel{}
	}
	return c.channel
}

// Calls returns the call parts.
func (c Credentials) Calls() []CallCredentials {
	return c.calls
}

// Secure reports whether the channel part uses TLS.
func (c Credentials) Secure() bool {
	return c.Channel().TLSConfig() != nil
}

// Metadata merges the metadata of every call part; later parts override
// earlier ones on key collision.
func (c Credentials) Metadata(ctx context.Context) (map[string]string, error) {
	var md map[string]string
	for _, cc := range c.calls {
		if cc.RequireTransportSecurity() && !c.Secure() {
			return nil, fmt.Errorf("credentials: call credentials require transport security")
		}
		part, err := cc.Metadata(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range part {
			if md == nil {
				md = make(map[string]string)
			}
			md[k] = v
		}
	}
	return md, nil
}

type insecureChannel struct{}

func (insecureChannel) isPart()                {}
func (insecureChannel) TLSConfig() *tls.Config { return nil }

// InsecureChannel returns channel credentials for plain TCP.
func InsecureChannel() ChannelCredentials {
	return insecureChannel{}
}

type tlsChannel struct {
	cfg *tls.Config
}

func (tlsChannel) isPart()                  {}
func (t tlsChannel) TLSConfig() *tls.Config { return t.cfg }

// TLS returns channel credentials using the given TLS configuration.
// A nil cfg uses defaults with TLS 1.3 as the minimum version.
func TLS(cfg *tls.Config) ChannelCredentials {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	return tlsChannel{cfg: cfg}
}

type insecureCall struct{}

func (insecureCall) isPart() {}
func (insecureCall) Metadata(context.Context) (map[string]string, error) {
	return nil, nil
}
func (insecureCall) RequireTransportSecurity() bool { return false }

// InsecureCall returns call credentials that add nothing.
func InsecureCall() CallCredentials {
	return insecureCall{}
}

type staticCall struct {
	md     map[string]string
	secure bool
}

func (staticCall) isPart() {}
func (s staticCall) Metadata(context.Context) (map[string]string, error) {
	return s.md, nil
}
func (s staticCall) RequireTransportSecurity() bool { return s.secure }

// Static returns call credentials that attach a fixed set of metadata.
func Static(md map[string]string) CallCredentials {
	cp := make(map[string]string, len(md))
	for k, v := range md {
		cp[k] = v
	}
	return staticCall{md: cp}
}

// BearerToken returns call credentials sending "authorization: Bearer <token>".
// They refuse to be used over an insecure channel.
func BearerToken(token string) CallCredentials {
	return staticCall{md: map[string]string{"authorization": "Bearer " + token}, secure: true}
}
