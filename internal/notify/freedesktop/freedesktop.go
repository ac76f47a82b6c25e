// Package freedesktop implements notify.Surface on top of the desktop
// notification service (org.freedesktop.Notifications) on the session bus.
//
// The protocol has no channels, so channel registrations are kept in a
// notify.ChannelStore and their importance is mapped onto the urgency hint.
// Ongoing notifications are posted resident with no expiry and are re-posted
// if the user dismisses them.
package freedesktop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/mbrock/notifysms/internal/notify"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	iface      = "org.freedesktop.Notifications"

	// defaultActionKey is the action invoked when the notification body is clicked.
	defaultActionKey = "default"

	// closeReasonDismissed is the NotificationClosed reason for a user dismissal.
	closeReasonDismissed = 2

	hintChannel = "x-notifysms-channel"
)

// Config configures a Surface.
type Config struct {
	AppName  string
	Store    *notify.ChannelStore
	Launcher notify.Launcher
	Logger   *slog.Logger
}

type posted struct {
	serverID uint32
	n        notify.Notification
}

// Surface posts notifications through the desktop notification daemon.
type Surface struct {
	conn     *dbus.Conn
	obj      dbus.BusObject
	appName  string
	store    *notify.ChannelStore
	launcher notify.Launcher
	log      *slog.Logger

	mu       sync.Mutex
	channels map[string]notify.Channel
	byID     map[int]*posted
	byServer map[uint32]*posted

	signals chan *dbus.Signal
	done    chan struct{}
}

var _ notify.Surface = (*Surface)(nil)

// Connect opens a session bus connection and starts watching for
// ActionInvoked and NotificationClosed signals.
func Connect(ctx context.Context, cfg Config) (*Surface, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("freedesktop surface: channel store is required")
	}
	if cfg.AppName == "" {
		cfg.AppName = "notifysms"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to D-Bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(iface),
		dbus.WithMatchObjectPath(objectPath),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("adding match signal: %w", err)
	}

	s := &Surface{
		conn:     conn,
		obj:      conn.Object(busName, objectPath),
		appName:  cfg.AppName,
		store:    cfg.Store,
		launcher: cfg.Launcher,
		log:      cfg.Logger,
		channels: make(map[string]notify.Channel),
		byID:     make(map[int]*posted),
		byServer: make(map[uint32]*posted),
		signals:  make(chan *dbus.Signal, 16),
		done:     make(chan struct{}),
	}
	conn.Signal(s.signals)
	go s.watch()

	return s, nil
}

// CreateChannel records the channel in the store. An existing entry wins.
func (s *Surface) CreateChannel(ctx context.Context, ch notify.Channel) error {
	effective, created, err := s.store.Register(ch)
	if err != nil {
		return err
	}
	if created {
		s.log.Debug("channel registered", "channel", ch.ID, "importance", ch.Importance)
	}

	s.mu.Lock()
	s.channels[effective.ID] = effective
	s.mu.Unlock()
	return nil
}

// Notify posts n, replacing the previous notification with the same ID.
func (s *Surface) Notify(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	var replaces uint32
	if prev, ok := s.byID[n.ID]; ok {
		replaces = prev.serverID
	}
	s.mu.Unlock()

	serverID, err := s.send(ctx, n, replaces)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(&posted{serverID: serverID, n: n})
	return nil
}

// Cancel closes the notification with the given ID, if shown.
func (s *Surface) Cancel(ctx context.Context, id int) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		delete(s.byServer, p.serverID)
	}
	s.mu.Unlock()

	// A zero server ID is a dismissed notification whose re-post is still
	// in flight; repost closes it once it lands.
	if !ok || p.serverID == 0 {
		return nil
	}
	return s.closeServer(ctx, id, p.serverID)
}

// Close stops the signal watcher and releases the connection.
func (s *Surface) Close() error {
	s.conn.RemoveSignal(s.signals)
	close(s.done)
	return s.conn.Close()
}

func (s *Surface) channel(id string) (notify.Channel, error) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if ok {
		return ch, nil
	}

	ch, ok, err := s.store.Lookup(id)
	if err != nil {
		return notify.Channel{}, err
	}
	if !ok {
		return notify.Channel{}, fmt.Errorf("%w: %s", notify.ErrUnknownChannel, id)
	}
	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()
	return ch, nil
}

// send makes the Notify call and returns the server's ID for it.
func (s *Surface) send(ctx context.Context, n notify.Notification, replaces uint32) (uint32, error) {
	ch, err := s.channel(n.ChannelID)
	if err != nil {
		return 0, err
	}

	var actions []string
	if n.Action != nil {
		label := n.Action.Label
		if label == "" {
			label = "Open"
		}
		actions = []string{defaultActionKey, label}
	}

	hints := map[string]dbus.Variant{
		"urgency":   dbus.MakeVariant(urgency(ch.Importance)),
		"category":  dbus.MakeVariant("transfer"),
		hintChannel: dbus.MakeVariant(ch.ID),
	}
	timeout := int32(-1)
	if n.Ongoing {
		hints["resident"] = dbus.MakeVariant(true)
		timeout = 0
	}

	var serverID uint32
	err = s.obj.CallWithContext(ctx, iface+".Notify", 0,
		s.appName, replaces, n.Icon, n.Title, n.Text, actions, hints, timeout,
	).Store(&serverID)
	if err != nil {
		return 0, fmt.Errorf("posting notification %d: %w", n.ID, err)
	}
	return serverID, nil
}

// track makes p the current notification for its ID. s.mu must be held.
func (s *Surface) track(p *posted) {
	if prev, ok := s.byID[p.n.ID]; ok {
		delete(s.byServer, prev.serverID)
	}
	s.byID[p.n.ID] = p
	s.byServer[p.serverID] = p
}

func (s *Surface) closeServer(ctx context.Context, id int, serverID uint32) error {
	if err := s.obj.CallWithContext(ctx, iface+".CloseNotification", 0, serverID).Err; err != nil {
		return fmt.Errorf("closing notification %d: %w", id, err)
	}
	return nil
}

// repost puts a dismissed ongoing notification back on screen. The
// placeholder p holds its ID meanwhile; if p is no longer current when the
// server answers, the notification was cancelled or replaced and the
// re-posted copy is closed again.
func (s *Surface) repost(p *posted) {
	ctx := context.Background()
	serverID, err := s.send(ctx, p.n, 0)
	if err != nil {
		s.log.Warn("re-posting ongoing notification", "id", p.n.ID, "error", err)
		s.mu.Lock()
		if s.byID[p.n.ID] == p {
			delete(s.byID, p.n.ID)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	current := s.byID[p.n.ID] == p
	if current {
		s.track(&posted{serverID: serverID, n: p.n})
	}
	s.mu.Unlock()
	if current {
		return
	}

	s.log.Debug("notification withdrawn during re-post", "id", p.n.ID)
	if err := s.closeServer(ctx, p.n.ID, serverID); err != nil {
		s.log.Warn("closing re-posted notification", "id", p.n.ID, "error", err)
	}
}

func (s *Surface) watch() {
	for {
		select {
		case sig := <-s.signals:
			if sig == nil {
				return
			}
			s.handleSignal(sig)
		case <-s.done:
			return
		}
	}
}

func (s *Surface) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case iface + ".ActionInvoked":
		// Body: (id uint32, action_key string)
		if len(sig.Body) < 2 {
			return
		}
		serverID, ok1 := sig.Body[0].(uint32)
		key, ok2 := sig.Body[1].(string)
		if !ok1 || !ok2 || key != defaultActionKey {
			return
		}
		s.mu.Lock()
		p, ok := s.byServer[serverID]
		s.mu.Unlock()
		if !ok {
			return
		}
		s.invoke(p.n)

	case iface + ".NotificationClosed":
		// Body: (id uint32, reason uint32)
		if len(sig.Body) < 2 {
			return
		}
		serverID, ok1 := sig.Body[0].(uint32)
		reason, ok2 := sig.Body[1].(uint32)
		if !ok1 || !ok2 {
			return
		}
		s.mu.Lock()
		p, ok := s.byServer[serverID]
		var placeholder *posted
		if ok {
			delete(s.byServer, serverID)
			switch {
			case s.byID[p.n.ID] != p:
			case p.n.Ongoing && reason == closeReasonDismissed:
				placeholder = &posted{n: p.n}
				s.byID[p.n.ID] = placeholder
			default:
				delete(s.byID, p.n.ID)
			}
		}
		s.mu.Unlock()
		if placeholder != nil {
			s.log.Debug("ongoing notification dismissed, re-posting", "id", p.n.ID)
			s.repost(placeholder)
		}
	}
}

func (s *Surface) invoke(n notify.Notification) {
	if n.Action != nil && s.launcher != nil {
		if err := s.launcher.Launch(context.Background(), *n.Action); err != nil {
			s.log.Warn("launching notification action", "id", n.ID, "target", n.Action.Target, "error", err)
		}
	}
	if n.AutoCancel {
		if err := s.Cancel(context.Background(), n.ID); err != nil {
			s.log.Warn("auto-cancelling notification", "id", n.ID, "error", err)
		}
	}
}

// urgency maps channel importance onto the freedesktop urgency levels
// (0 low, 1 normal, 2 critical).
func urgency(i notify.Importance) byte {
	switch {
	case i >= notify.ImportanceHigh:
		return 2
	case i == notify.ImportanceDefault:
		return 1
	default:
		return 0
	}
}
