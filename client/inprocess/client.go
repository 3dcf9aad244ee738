// Package inprocess runs a checkoutd server inside the calling process and
// hands back a client connected to it over a private unix socket.
package inprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/checkoutd"
	checkoutclient "pkt.systems/checkoutd/client"
)

// Client is a checkoutd client bound to an embedded server. Every session
// operation of the regular client is available through the embedded
// *client.Client.
type Client struct {
	*checkoutclient.Client

	server    *checkoutd.Server
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process checkoutd server and returns a client connected
// to it. The returned client should be closed when no longer needed to
// release resources.
// Example:
//
//	ctx := context.Background()
//	cfg := checkoutd.Config{Store: "mem://", TokenKey: key, CatalogPath: "catalog.yaml"}
//	inproc, err := inprocess.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg checkoutd.Config, opts ...checkoutd.Option) (*Client, error) {
	return NewWithClientOptions(ctx, cfg, opts, nil)
}

// NewWithClientOptions is New with options for the embedded client.
func NewWithClientOptions(ctx context.Context, cfg checkoutd.Config, serverOpts []checkoutd.Option, clientOpts []checkoutclient.Option) (*Client, error) {
	if cfg.ListenProto == "" {
		cfg.ListenProto = "unix"
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "checkoutd-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }

	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "checkoutd.sock")
	}

	srv, stop, err := checkoutd.StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	cli, err := checkoutclient.New("unix://"+cfg.Listen, clientOpts...)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}
	return &Client{
		Client:  cli,
		server:  srv,
		stop:    stop,
		cleanup: cleanup,
	}, nil
}

// Server returns the embedded server.
func (c *Client) Server() *checkoutd.Server {
	return c.server
}

// Close shuts down the embedded server and releases resources.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if c.stop != nil {
			if err := c.stop(ctx); err != nil {
				c.closeErr = err
			}
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}
