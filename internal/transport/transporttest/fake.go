// Package transporttest provides a scriptable transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"wamator/internal/transport"
)

type Send struct {
	Address string
	Text    string
	Media   *transport.Media
	Caption string
}

// Client records calls and lets tests push events into its session.
type Client struct {
	Key  string
	sink transport.EventSink

	mu            sync.Mutex
	InitErr       error
	SendErr       error
	RegisteredErr error
	// Unregistered recipients answer false to IsRegisteredRecipient.
	Unregistered map[string]bool
	// OnInitialize runs inside Initialize, after InitErr is checked.
	OnInitialize func(c *Client)

	initCalls    int
	destroyCalls int
	sends        []Send
}

func (c *Client) Emit(ev transport.Event) { c.sink(ev) }

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.initCalls++
	err := c.InitErr
	hook := c.OnInitialize
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(c)
	}
	return nil
}

func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyCalls++
	return nil
}

func (c *Client) IsRegisteredRecipient(ctx context.Context, address string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RegisteredErr != nil {
		return false, c.RegisteredErr
	}
	return !c.Unregistered[address], nil
}

func (c *Client) SendText(ctx context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sends = append(c.sends, Send{Address: address, Text: text})
	return nil
}

func (c *Client) SendMedia(ctx context.Context, address string, media transport.Media, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	m := media
	c.sends = append(c.sends, Send{Address: address, Media: &m, Caption: caption})
	return nil
}

func (c *Client) InitCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls
}

func (c *Client) DestroyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyCalls
}

func (c *Client) Sends() []Send {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Send(nil), c.sends...)
}

// Factory hands out Clients and keeps every one it built, in order.
type Factory struct {
	mu      sync.Mutex
	clients []*Client
	// Prepare configures each new client before it is returned.
	Prepare func(c *Client)
	NewErr  error
}

func (f *Factory) New(sessionKey string, sink transport.EventSink) (transport.Client, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	c := &Client{Key: sessionKey, sink: sink, Unregistered: make(map[string]bool)}
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients...)
}

// Last returns the most recently built client for key.
func (f *Factory) Last(key string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.clients) - 1; i >= 0; i-- {
		if f.clients[i].Key == key {
			return f.clients[i]
		}
	}
	return nil
}

var ErrInit = errors.New("transport init failed")
