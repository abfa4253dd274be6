// Package natsutil connects to NATS through the semstreams client, starting
// an embedded JetStream server when no external URL is configured.
package natsutil

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
)

// Options selects the NATS backend.
type Options struct {
	// URL is an external server. Ignored when Embedded is set.
	URL string
	// Embedded starts an in-process JetStream server.
	Embedded bool
	// StoreDir holds embedded JetStream data. Empty uses a temp dir.
	StoreDir string
	// Name is reported to the server as the client name.
	Name string
}

// Conn bundles the semstreams client, its JetStream context and the
// embedded server, if any.
type Conn struct {
	Client *natsclient.Client
	JS     jetstream.JetStream

	embedded *server.Server
	logger   *slog.Logger
}

// Connect opens the connection described by opts.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{logger: logger}

	url := opts.URL
	if opts.Embedded || url == "" {
		ns, err := startEmbedded(opts.StoreDir)
		if err != nil {
			return nil, err
		}
		c.embedded = ns
		url = ns.ClientURL()
		logger.Info("Started embedded NATS server", "url", url)
	}

	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(opts.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		c.shutdownEmbedded()
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		c.shutdownEmbedded()
		return nil, wrapNATSError(err, url)
	}
	c.Client = client

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		c.Close(ctx)
		return nil, wrapNATSError(err, url)
	}

	js, err := client.JetStream()
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	c.JS = js

	logger.Info("Connected to NATS", "url", url)
	return c, nil
}

// wrapNATSError adds a hint when the server is unreachable.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf("NATS connection failed: %w (is NATS running at %s? set nats.embedded to run without one)", err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

func startEmbedded(storeDir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	return ns, nil
}

// Embedded reports whether the connection runs its own server.
func (c *Conn) Embedded() bool {
	return c.embedded != nil
}

// Close closes the client and stops the embedded server.
func (c *Conn) Close(ctx context.Context) {
	if c.Client != nil {
		if err := c.Client.Close(ctx); err != nil {
			c.logger.Debug("NATS close failed", "error", err)
		}
		c.Client = nil
	}
	c.shutdownEmbedded()
}

func (c *Conn) shutdownEmbedded() {
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded.WaitForShutdown()
		c.embedded = nil
	}
}
