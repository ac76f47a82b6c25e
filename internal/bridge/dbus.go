package bridge

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// D-Bus constants for the bridge.
const (
	DBusName      = "sh.notifysms.SmsBackgroundService"
	DBusPath      = "/sh/notifysms/SmsBackgroundService"
	DBusInterface = "sh.notifysms.SmsBackgroundService"
)

const introspectXML = `
<node>
	<interface name="` + DBusInterface + `">
		<method name="Invoke">
			<arg name="method" direction="in" type="s"/>
			<arg name="args" direction="in" type="a{ss}"/>
			<arg name="outcome" direction="out" type="s"/>
			<arg name="value" direction="out" type="b"/>
			<arg name="message" direction="out" type="s"/>
		</method>
	</interface>` + introspect.IntrospectDataString + `</node>`

// exported is the object put on the bus. Its method set is the D-Bus
// interface, so it carries nothing but Invoke.
type exported struct {
	bridge *Bridge
}

// Invoke handles one bridge call. Every outcome, including errors from the
// host, is carried in the reply; the D-Bus error is reserved for transport.
func (e exported) Invoke(method string, args map[string]string) (string, bool, string, *dbus.Error) {
	res := e.bridge.Call(context.Background(), method, args)
	return string(res.Outcome), res.Value, res.Message, nil
}

// Serve exports b on the session bus under DBusName and blocks until ctx is
// done.
func Serve(ctx context.Context, b *Bridge) error {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connecting to D-Bus: %w", err)
	}
	defer conn.Close()

	reply, err := conn.RequestName(DBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", DBusName)
	}

	if err := conn.Export(exported{bridge: b}, DBusPath, DBusInterface); err != nil {
		return fmt.Errorf("exporting bridge: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), DBusPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("exporting introspection: %w", err)
	}

	b.log.Info("bridge listening", "bus_name", DBusName, "path", DBusPath)
	<-ctx.Done()
	return nil
}

// Client calls a bridge exported on the session bus.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// Connect connects to the bridge on the session bus.
func Connect() (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to D-Bus: %w", err)
	}
	return &Client{
		conn: conn,
		obj:  conn.Object(DBusName, DBusPath),
	}, nil
}

// Call invokes method on the remote bridge. The error is only for transport
// failures; bridge-level errors come back as an OutcomeError result.
func (c *Client) Call(ctx context.Context, method string, args map[string]string) (Result, error) {
	if args == nil {
		args = map[string]string{}
	}
	var (
		outcome string
		res     Result
	)
	err := c.obj.CallWithContext(ctx, DBusInterface+".Invoke", 0, method, args).
		Store(&outcome, &res.Value, &res.Message)
	if err != nil {
		return Result{}, fmt.Errorf("calling bridge: %w", err)
	}
	res.Outcome = Outcome(outcome)
	return res, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
