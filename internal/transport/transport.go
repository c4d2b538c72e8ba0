// Package transport is the contract between session supervision and a chat network client.
package transport

import (
	"context"
	"errors"
)

type EventKind string

const (
	EventPairingCode   EventKind = "pairing-code"
	EventAuthenticated EventKind = "authenticated"
	EventLoading       EventKind = "loading"
	EventReady         EventKind = "ready"
	EventAuthFailed    EventKind = "auth-failed"
	EventDisconnected  EventKind = "disconnected"
)

// Event is emitted by a Client in the order the network produced it.
type Event struct {
	Kind EventKind
	// Code is the pairing payload for EventPairingCode.
	Code string
	// Percent is the progress for EventLoading.
	Percent int
	Reason  string
}

// EventSink receives the events of exactly one client.
type EventSink func(Event)

type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Client is one live chat network connection, exclusively owned by its session.
type Client interface {
	// Initialize starts the connection. Events flow to the sink afterwards.
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	IsRegisteredRecipient(ctx context.Context, address string) (bool, error)
	SendText(ctx context.Context, address, text string) error
	SendMedia(ctx context.Context, address string, media Media, caption string) error
}

// Unlinker is implemented by clients that can revoke their stored credentials.
type Unlinker interface {
	Unlink(ctx context.Context) error
}

// Factory builds a Client for one session key. Stored credentials for the key are reused.
type Factory interface {
	New(sessionKey string, sink EventSink) (Client, error)
}

var ErrDisabled = errors.New("transport disabled")

// NoneFactory refuses to build clients; it backs TRANSPORT=none deployments.
type NoneFactory struct{}

func (NoneFactory) New(string, EventSink) (Client, error) { return nil, ErrDisabled }
