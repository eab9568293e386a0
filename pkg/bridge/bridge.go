// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge wires configured accounts, rooms and relay links into a
// running relay.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/chatrelay/pkg/config"
	"github.com/aiku/chatrelay/pkg/connector/matrix"
	"github.com/aiku/chatrelay/pkg/connector/social"
	"github.com/aiku/chatrelay/pkg/connector/social/mmdriver"
	"github.com/aiku/chatrelay/pkg/connector/xmpp"
	"github.com/aiku/chatrelay/pkg/relay"
)

// ErrNoRoomSupport is returned when a connector cannot register rooms.
var ErrNoRoomSupport = errors.New("connector cannot register rooms")

// Factory builds the connector of one configured account.
type Factory func(name string, acc *config.Account) (relay.Connector, error)

// roomAdder is implemented by connectors whose rooms need no join step.
type roomAdder interface {
	AddRoom(id string) (*relay.Room, error)
}

// Bridge owns every connector and the relay graph between their rooms.
type Bridge struct {
	cfg     *config.Config
	log     zerolog.Logger
	factory Factory

	connectors []relay.Connector
	byName     map[string]relay.Connector
	graph      *relay.Graph

	admin *http.Server
}

// New creates a bridge for cfg. Connectors are built but not connected.
func New(cfg *config.Config, log zerolog.Logger) (*Bridge, error) {
	b := &Bridge{cfg: cfg, log: log}
	b.factory = b.buildConnector
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

func newWithFactory(cfg *config.Config, log zerolog.Logger, factory Factory) (*Bridge, error) {
	b := &Bridge{cfg: cfg, log: log, factory: factory}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bridge) init() error {
	b.byName = make(map[string]relay.Connector, len(b.cfg.Accounts))
	b.graph = relay.NewGraph()
	for _, name := range slices.Sorted(maps.Keys(b.cfg.Accounts)) {
		conn, err := b.factory(name, b.cfg.Accounts[name])
		if err != nil {
			return fmt.Errorf("account %q: %w", name, err)
		}
		b.connectors = append(b.connectors, conn)
		b.byName[name] = conn
	}
	return nil
}

func (b *Bridge) buildConnector(name string, acc *config.Account) (relay.Connector, error) {
	switch acc.Kind {
	case config.KindXMPP:
		return xmpp.New(name, xmpp.Config{
			JID:                acc.JID,
			Password:           acc.Password,
			Host:               acc.Host,
			Resource:           acc.Resource,
			TLS:                xmpp.TLSMode(acc.TLS),
			InsecureSkipVerify: acc.InsecureSkipVerify,
			IQTimeout:          b.cfg.IQTimeout,
			HTTPTimeout:        b.cfg.HTTPTimeout,
			TempDir:            b.cfg.TempDir,
			MaxUploadSize:      b.cfg.MaxUploadSize,
		}, b.log), nil
	case config.KindSocial:
		driver := mmdriver.New(mmdriver.Config{
			ServerURL:   acc.ServerURL,
			Token:       acc.Token,
			Login:       acc.Login,
			Password:    acc.Password,
			SessionFile: b.cfg.SessionFile(name),
		}, b.log)
		return social.New(name, driver, social.Options{
			ImageLookupRetries: b.cfg.ImageLookupRetries,
			ImageLookupDelay:   b.cfg.ImageLookupDelay,
		}, b.log), nil
	case config.KindMatrix:
		return matrix.New(name, matrix.Config{
			HomeserverURL: acc.HomeserverURL,
			UserID:        acc.UserID,
			AccessToken:   acc.AccessToken,
			MediaURL:      acc.MediaURL,
		}, b.log)
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownKind, acc.Kind)
	}
}

// Connectors returns the connectors ordered by account name.
func (b *Bridge) Connectors() []relay.Connector {
	return slices.Clone(b.connectors)
}

// Graph returns the relay graph. It is complete once Start has returned.
func (b *Bridge) Graph() *relay.Graph {
	return b.graph
}

// Start connects every account, joins the configured rooms, links them and
// starts listening. The admin API is served when an address is configured.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.connectAll(ctx); err != nil {
		return err
	}
	if err := b.buildGraph(ctx); err != nil {
		return err
	}
	for _, conn := range b.connectors {
		if err := conn.Listen(ctx); err != nil {
			return fmt.Errorf("failed to start listening on %s: %w", conn.Name(), err)
		}
	}
	b.log.Info().
		Int("connectors", len(b.connectors)).
		Int("rooms", len(b.graph.Keys())).
		Int("relays", len(b.graph.Edges())).
		Msg("Relay started")
	if b.cfg.AdminAPIAddr != "" {
		b.startAdminAPI()
	}
	return nil
}

func (b *Bridge) connectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range b.connectors {
		g.Go(func() error {
			if err := conn.Connect(gctx); err != nil {
				return fmt.Errorf("failed to connect %s: %w", conn.Name(), err)
			}
			b.log.Debug().Str("account", conn.Name()).Msg("Connected")
			return nil
		})
	}
	return g.Wait()
}

func (b *Bridge) buildGraph(ctx context.Context) error {
	for _, key := range slices.Sorted(maps.Keys(b.cfg.Rooms)) {
		rc := b.cfg.Rooms[key]
		conn, ok := b.byName[rc.Account]
		if !ok {
			return fmt.Errorf("room %q: %w %q", key, config.ErrUnknownAccount, rc.Account)
		}
		room, err := joinRoom(ctx, conn, rc)
		if err != nil {
			return fmt.Errorf("room %q: %w", key, err)
		}
		if err = b.graph.AddRoom(key, room); err != nil {
			return err
		}
	}
	for _, pair := range b.cfg.Relays {
		if len(pair) != 2 {
			return config.ErrInvalidRelay
		}
		if err := b.graph.Link(pair[0], pair[1]); err != nil {
			return err
		}
		b.log.Debug().Str("a", pair[0]).Str("b", pair[1]).Msg("Linked rooms")
	}
	b.graph.Seal()
	return nil
}

func joinRoom(ctx context.Context, conn relay.Connector, rc *config.Room) (*relay.Room, error) {
	switch c := conn.(type) {
	case *xmpp.Connector:
		return c.JoinRoom(ctx, rc.ID, rc.Nick)
	case *matrix.Connector:
		return c.JoinRoom(ctx, rc.ID)
	case roomAdder:
		return c.AddRoom(rc.ID)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoRoomSupport, conn.Name())
	}
}

func (b *Bridge) startAdminAPI() {
	b.admin = &http.Server{
		Addr:         b.cfg.AdminAPIAddr,
		Handler:      b.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		b.log.Info().Str("addr", b.cfg.AdminAPIAddr).Msg("Starting admin API")
		if err := b.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Err(err).Msg("Admin API server failed")
		}
	}()
}

// Stop shuts down the admin API and closes connectors that hold a stream.
// Listeners stop with the context passed to Start.
func (b *Bridge) Stop(ctx context.Context) error {
	var errs []error
	if b.admin != nil {
		if err := b.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop admin API: %w", err))
		}
	}
	for _, conn := range b.connectors {
		closer, ok := conn.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", conn.Name(), err))
		}
	}
	return errors.Join(errs...)
}
