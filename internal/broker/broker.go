// Package broker provides the NATS connection out-of-band events travel
// over, starting an in-process server when no external one is configured.
package broker

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects.
const (
	// OperationsPrefix prefixes depdeck.operations.<id>.<event>.
	OperationsPrefix = "depdeck.operations"

	// WatchChanged carries manifest change notifications.
	WatchChanged = "depdeck.watch.changed"
)

const readyTimeout = 5 * time.Second

// ErrNotReady indicates the embedded server did not accept connections in time.
var ErrNotReady = errors.New("embedded NATS server not ready")

// OperationSubject returns the subject of one operation event.
func OperationSubject(id, event string) string {
	return fmt.Sprintf("%s.%s.%s", OperationsPrefix, id, event)
}

// OperationWildcard matches every event of one operation.
func OperationWildcard(id string) string {
	return fmt.Sprintf("%s.%s.*", OperationsPrefix, id)
}

// Options configures the broker.
type Options struct {
	// URL of an external NATS server. When empty an embedded server is
	// started on a random loopback port.
	URL string

	// Token authenticates the connection. An embedded server requires it
	// from every client when set.
	Token string
}

// Broker owns the NATS connection and, if embedded, the server.
type Broker struct {
	server *natsserver.Server
	conn   *nats.Conn
	logger *zap.Logger
}

// Start connects to NATS.
func Start(opts Options, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{logger: logger}

	url := opts.URL
	if url == "" {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:          "127.0.0.1",
			Port:          -1,
			NoLog:         true,
			NoSigs:        true,
			Authorization: opts.Token,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(readyTimeout) {
			srv.Shutdown()
			return nil, ErrNotReady
		}
		b.server = srv
		url = srv.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", url))
	}

	connOpts := []nats.Option{
		nats.Name("depdeck"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if opts.Token != "" {
		connOpts = append(connOpts, nats.Token(opts.Token))
	}

	nc, err := nats.Connect(url, connOpts...)
	if err != nil {
		b.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	b.conn = nc
	return b, nil
}

// Conn returns the shared connection.
func (b *Broker) Conn() *nats.Conn {
	return b.conn
}

// ClientURL returns the URL clients connect to.
func (b *Broker) ClientURL() string {
	if b.server != nil {
		return b.server.ClientURL()
	}
	return b.conn.ConnectedUrl()
}

// Embedded reports whether the broker runs its own server.
func (b *Broker) Embedded() bool {
	return b.server != nil
}

// Close drains the connection and stops the embedded server.
func (b *Broker) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
	b.shutdownServer()
}

func (b *Broker) shutdownServer() {
	if b.server == nil {
		return
	}
	b.server.Shutdown()
	b.server.WaitForShutdown()
	b.server = nil
}
