package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/chat"
	"github.com/skobkin/clawlink/internal/config"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/domain"
	"github.com/skobkin/clawlink/internal/events"
	"github.com/skobkin/clawlink/internal/gateway"
	"github.com/skobkin/clawlink/internal/logging"
	"github.com/skobkin/clawlink/internal/outbox"
	"github.com/skobkin/clawlink/internal/persistence"
	"github.com/skobkin/clawlink/internal/rooms"
	"github.com/skobkin/clawlink/internal/transport"
)

// Options adjusts how Initialize assembles the runtime.
type Options struct {
	// Paths overrides the user config dir layout.
	Paths *Paths
	// Override is applied to the loaded config. Values it sets are not
	// written back to the config file.
	Override func(cfg *config.AppConfig)
	// Dial replaces the websocket dialer.
	Dial transport.Dialer
	// Quiet keeps logs out of stderr.
	Quiet bool
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	OutboxRepo  *persistence.OutboxRepo
	KVRepo      *persistence.KVRepo
	RoomRepo    *persistence.RoomRepo
	WriterQueue *persistence.WriterQueue

	Router     *rooms.Router
	Dispatcher *events.Dispatcher
	Gateway    *gateway.Client
	Queue      *outbox.Queue
	Deliveries *domain.DeliveryStore
	Chat       *chat.Service

	unsubscribe []func()

	connStatusMu    sync.RWMutex
	connStatus      connectors.ConnectionStatus
	connStatusKnown bool
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	var paths Paths
	if opts.Paths != nil {
		paths = *opts.Paths
	} else {
		resolved, err := ResolvePaths()
		if err != nil {
			return nil, err
		}
		paths = resolved
	}

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.FillMissingDefaults()
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	if opts.Quiet {
		logMgr.Discard()
	}
	rt.LogManager = logMgr
	logMgr.Logger("app").Info("starting clawlink runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.DB = db
	rt.OutboxRepo = persistence.NewOutboxRepo(db)
	rt.KVRepo = persistence.NewKVRepo(db)
	rt.RoomRepo = persistence.NewRoomRepo(db)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	connSub := b.Subscribe(connectors.TopicConnStatus)
	go rt.captureConnStatus(ctx, connSub)

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), WriterCapacity)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue

	rt.Router = rooms.NewRouter(cfg.Rooms.LabelPrefix)
	bindings, err := rt.RoomRepo.List(ctx)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.Router.Restore(bindings)
	rt.Router.OnBindingChange(persistence.NewRoomWriter(rt.RoomRepo, writerQueue).Apply)
	rt.Dispatcher = events.NewDispatcher(logMgr.Logger("events"), rt.Router, b)

	dial := opts.Dial
	if dial == nil {
		dial = NewGatewayDialer(cfg.Gateway)
	}
	rt.Gateway = gateway.NewClient(gateway.Options{
		Logger: logMgr.Logger("gateway"),
		Bus:    b,
		Dial:   dial,
		Events: rt.Dispatcher,
		Identity: gateway.Identity{
			ClientID: cfg.Gateway.ClientID,
			Version:  BuildVersion(),
			Scopes:   cfg.Gateway.Scopes,
		},
		Retry: gateway.RetryPolicy{
			BaseDelay:   cfg.Reconnect.BaseDelay(),
			MaxDelay:    cfg.Reconnect.MaxDelay(),
			Multiplier:  cfg.Reconnect.Multiplier,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		RequestTimeout:   cfg.Gateway.RequestTimeout(),
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout(),
		ReadIdleTimeout:  cfg.Gateway.ReadIdleTimeout(),
	})

	rt.Queue = outbox.New(outbox.Options{
		Logger:      logMgr.Logger("outbox"),
		Bus:         b,
		Store:       rt.OutboxRepo,
		RetryBudget: cfg.Queue.RetryBudget,
	})
	if err := rt.Queue.Load(ctx); err != nil {
		_ = rt.Close()

		return nil, err
	}

	rt.Deliveries = domain.NewDeliveryStore()
	rt.Deliveries.Load(pendingDeliveries(rt.Queue.Queued("")))
	rt.Deliveries.Start(ctx, b)

	rt.Chat = chat.NewService(chat.Options{
		Logger:  logMgr.Logger("chat"),
		Bus:     b,
		Gateway: rt.Gateway,
		Router:  rt.Router,
		Queue:   rt.Queue,
		Session: persistence.NewSessionWriter(rt.KVRepo, writerQueue),
		AgentID: cfg.Gateway.AgentID,
	})
	rt.Queue.SetSender(rt.Chat)
	for _, m := range rt.Queue.Queued("") {
		rt.Router.Bind(m.RoomID)
	}
	if err := rt.Chat.RestoreActiveRoom(ctx, rt.KVRepo); err != nil {
		logMgr.Logger("app").Warn("restore active room", "error", err)
	}

	rt.unsubscribe = append(rt.unsubscribe,
		rt.Gateway.OnConnectionChange(func(connected bool) {
			if connected {
				rt.Dispatcher.ResetSequence()
			}
		}),
		rt.Queue.FlushOnConnect(ctx, rt.Gateway),
	)

	return rt, nil
}

func pendingDeliveries(queued []outbox.QueuedMessage) []domain.Delivery {
	out := make([]domain.Delivery, 0, len(queued))
	for _, m := range queued {
		out = append(out, domain.Delivery{
			MessageID:  m.ID,
			RoomID:     m.RoomID,
			Status:     domain.MessageStatusPending,
			RetryCount: m.RetryCount,
			UpdatedAt:  m.EnqueuedAt,
		})
	}

	return out
}

func (r *Runtime) captureConnStatus(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(connectors.ConnectionStatus)
			if !ok {
				continue
			}
			r.setConnStatus(status)
		}
	}
}

func (r *Runtime) setConnStatus(status connectors.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

// CurrentConnStatus returns the last status seen on the bus, or the one
// derived from config before the client reported anything.
func (r *Runtime) CurrentConnStatus() (connectors.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	status := r.connStatus
	known := r.connStatusKnown
	r.connStatusMu.RUnlock()
	if !known {
		return ConnectionStatusFromConfig(r.CurrentConfig().Gateway), false
	}

	return status, true
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// Connect dials the configured gateway and waits for the handshake.
func (r *Runtime) Connect(ctx context.Context) error {
	gw := r.CurrentConfig().Gateway
	if strings.TrimSpace(gw.Endpoint) == "" {
		return errors.New("gateway endpoint is not configured")
	}

	return r.Gateway.Connect(ctx, gateway.ConnectionConfig{
		Endpoint: gw.Endpoint,
		Token:    gw.Token,
		AgentID:  gw.AgentID,
	})
}

// Send hands text to the chat service.
func (r *Runtime) Send(ctx context.Context, roomID, text, attachment string) (chat.SendResult, error) {
	return r.Chat.Send(ctx, roomID, text, attachment)
}

// WaitForDelivery blocks until the message reaches a terminal status or ctx
// ends. It returns the last known delivery either way.
func (r *Runtime) WaitForDelivery(ctx context.Context, messageID string) (domain.Delivery, error) {
	for {
		d, ok := r.Deliveries.Get(messageID)
		if ok && d.Status.Terminal() {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-r.Deliveries.Changes():
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// SaveConfig validates, persists and applies settings that can change without
// a restart. Gateway settings take effect on the next Connect.
func (r *Runtime) SaveConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()

		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	if err := r.LogManager.Configure(cfg.Logging, r.Paths.LogFile); err != nil {
		return err
	}

	return nil
}

// ClearOutbox drops every queued message and returns how many were dropped.
// Their deliveries are reported failed.
func (r *Runtime) ClearOutbox(ctx context.Context) (int, error) {
	dropped, err := r.Queue.Clear(ctx)
	if err != nil {
		return dropped, err
	}
	r.LogManager.Logger("app").Info("outbox cleared", "dropped", dropped)

	return dropped, nil
}

// ForgetRoom drops the stored binding of a room. Inbound events labeled for
// it are unrouted from then on.
func (r *Runtime) ForgetRoom(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room is required")
	}
	if n := len(r.Queue.Queued(roomID)); n > 0 {
		return fmt.Errorf("room %q still has %d queued message(s)", roomID, n)
	}
	r.Router.Forget(roomID)

	return nil
}

func (r *Runtime) Close() error {
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	r.unsubscribe = nil
	if r.Gateway != nil {
		r.Gateway.Disconnect()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Queue != nil {
		r.Queue.Wait()
	}
	if r.WriterQueue != nil {
		r.WriterQueue.Wait()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}

	var errs []error
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		r.DB = nil
	}
	if r.LogManager != nil {
		if err := r.LogManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log: %w", err))
		}
	}

	return errors.Join(errs...)
}
