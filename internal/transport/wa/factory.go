package wa

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"wamator/internal/transport"
)

// Factory builds whatsmeow clients whose key material lives in the application database.
type Factory struct {
	container *sqlstore.Container
	devices   DeviceStore
	log       zerolog.Logger
}

// NewFactory shares db with the rest of the store; driver is "postgres" or "sqlite".
func NewFactory(ctx context.Context, db *sql.DB, driver string, devices DeviceStore, log zerolog.Logger) (*Factory, error) {
	dialect := "postgres"
	if driver == "sqlite" {
		dialect = "sqlite3"
	}
	log = log.With().Str("component", "whatsmeow").Logger()
	container := sqlstore.NewWithDB(db, dialect, newLogger(log))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade whatsmeow store: %w", err)
	}
	return &Factory{container: container, devices: devices, log: log}, nil
}

func (f *Factory) New(sessionKey string, sink transport.EventSink) (transport.Client, error) {
	return &Client{
		key:       sessionKey,
		sink:      sink,
		log:       f.log.With().Str("session", sessionKey).Logger(),
		container: f.container,
		devices:   f.devices,
	}, nil
}

type logger struct {
	log zerolog.Logger
}

func newLogger(log zerolog.Logger) waLog.Logger { return logger{log: log} }

func (l logger) Debugf(msg string, args ...interface{}) { l.log.Debug().Msgf(msg, args...) }
func (l logger) Infof(msg string, args ...interface{})  { l.log.Info().Msgf(msg, args...) }
func (l logger) Warnf(msg string, args ...interface{})  { l.log.Warn().Msgf(msg, args...) }
func (l logger) Errorf(msg string, args ...interface{}) { l.log.Error().Msgf(msg, args...) }
func (l logger) Sub(module string) waLog.Logger {
	return logger{log: l.log.With().Str("module", module).Logger()}
}
