// Package wa adapts go.mau.fi/whatsmeow to the transport contract.
package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wamator/internal/transport"
)

// DeviceStore remembers which paired device belongs to a session key.
type DeviceStore interface {
	SaveDevice(ctx context.Context, sessionKey, deviceJID string) error
	DeviceJID(ctx context.Context, sessionKey string) (string, error)
	DeleteDevice(ctx context.Context, sessionKey string) error
}

type Client struct {
	key       string
	sink      transport.EventSink
	log       zerolog.Logger
	container *sqlstore.Container
	devices   DeviceStore

	mu       sync.Mutex
	cli      *whatsmeow.Client
	cancelQR context.CancelFunc
	authSent bool
	ready    bool
}

var errNotConnected = errors.New("client not connected")

func (c *Client) Initialize(ctx context.Context) error {
	device, err := c.loadDevice(ctx)
	if err != nil {
		return err
	}

	cli := whatsmeow.NewClient(device, newLogger(c.log))
	cli.AddEventHandler(c.handle)

	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()

	if cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		ch, err := cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("qr channel: %w", err)
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.pumpQR(ch)
	}

	if err := cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) loadDevice(ctx context.Context) (*store.Device, error) {
	raw, err := c.devices.DeviceJID(ctx, c.key)
	if err != nil || raw == "" {
		return c.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		c.log.Warn().Str("jid", raw).Err(err).Msg("stored device jid unparsable; pairing again")
		return c.container.NewDevice(), nil
	}
	device, err := c.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		return c.container.NewDevice(), nil
	}
	return device, nil
}

func (c *Client) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.sink(transport.Event{Kind: transport.EventPairingCode, Code: item.Code})
		case whatsmeow.QRChannelEventError:
			c.sink(transport.Event{Kind: transport.EventAuthFailed, Reason: errString(item.Error)})
		default:
			c.log.Debug().Str("event", item.Event).Msg("qr channel")
		}
	}
}

func (c *Client) handle(evt any) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.devices.SaveDevice(ctx, c.key, e.ID.String()); err != nil {
			c.log.Error().Err(err).Msg("save paired device")
		}
		cancel()
		c.emitAuthenticated()
	case *events.Connected:
		c.emitAuthenticated()
		c.mu.Lock()
		first := !c.ready
		c.ready = true
		c.mu.Unlock()
		if first {
			c.sink(transport.Event{Kind: transport.EventReady})
		}
	case *events.HistorySync:
		if e.Data != nil {
			c.sink(transport.Event{Kind: transport.EventLoading, Percent: int(e.Data.GetProgress())})
		}
	case *events.LoggedOut:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.devices.DeleteDevice(ctx, c.key); err != nil {
			c.log.Error().Err(err).Msg("forget logged out device")
		}
		cancel()
		c.sink(transport.Event{Kind: transport.EventDisconnected, Reason: "logged out: " + e.Reason.String()})
	case *events.StreamReplaced:
		c.sink(transport.Event{Kind: transport.EventDisconnected, Reason: "stream replaced"})
	case *events.ConnectFailure:
		c.sink(transport.Event{Kind: transport.EventAuthFailed, Reason: fmt.Sprintf("connect failure: %s %s", e.Reason, e.Message)})
	case *events.ClientOutdated:
		c.sink(transport.Event{Kind: transport.EventAuthFailed, Reason: "client outdated"})
	case *events.TemporaryBan:
		c.sink(transport.Event{Kind: transport.EventAuthFailed, Reason: e.String()})
	}
}

func (c *Client) emitAuthenticated() {
	c.mu.Lock()
	sent := c.authSent
	c.authSent = true
	c.mu.Unlock()
	if !sent {
		c.sink(transport.Event{Kind: transport.EventAuthenticated})
	}
}

func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	cli := c.cli
	cancel := c.cancelQR
	c.cli = nil
	c.cancelQR = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cli != nil {
		cli.Disconnect()
	}
	return nil
}

// Unlink logs the device out so its credentials can no longer be restored.
func (c *Client) Unlink(ctx context.Context) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	if err := cli.Logout(ctx); err != nil {
		return err
	}
	return c.devices.DeleteDevice(ctx, c.key)
}

func (c *Client) client() (*whatsmeow.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil, errNotConnected
	}
	return c.cli, nil
}

func (c *Client) IsRegisteredRecipient(ctx context.Context, address string) (bool, error) {
	cli, err := c.client()
	if err != nil {
		return false, err
	}
	resp, err := cli.IsOnWhatsApp(ctx, []string{"+" + address})
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0].IsIn, nil
}

func (c *Client) SendText(ctx context.Context, address, text string) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	_, err = cli.SendMessage(ctx, recipientJID(address), &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (c *Client) SendMedia(ctx context.Context, address string, media transport.Media, caption string) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	kind := mediaTypeFor(media.MimeType)
	up, err := cli.Upload(ctx, media.Data, kind)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	_, err = cli.SendMessage(ctx, recipientJID(address), buildMediaMessage(kind, up, media, caption))
	return err
}

func recipientJID(address string) types.JID {
	return types.NewJID(address, types.DefaultUserServer)
}

func mediaTypeFor(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(kind whatsmeow.MediaType, up whatsmeow.UploadResponse, media transport.Media, caption string) *waE2E.Message {
	length := proto.Uint64(up.FileLength)
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(media.MimeType),
			FileName:      proto.String(media.FileName),
			Title:         proto.String(media.FileName),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    length,
		}}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func errString(err error) string {
	if err == nil {
		return "pairing error"
	}
	return err.Error()
}
