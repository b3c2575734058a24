package ami

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// DialTimeout bounds the TCP connect and login handshake.
const DialTimeout = 10 * time.Second

// Client is a minimal AMI connection: connect, log in, and read the event
// stream. Actions beyond Login are not needed; CDR and CEL events arrive
// unsolicited once the manager account has the cdr,cel event classes.
type Client struct {
	conn   net.Conn
	parser *Parser
}

// Dial connects to the manager interface and authenticates.
func Dial(ctx context.Context, addr, username, secret string) (*Client, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ami %s: %w", addr, err)
	}

	c := &Client{conn: conn, parser: NewParser(conn)}
	if err := c.login(username, secret); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) login(username, secret string) error {
	if err := c.conn.SetDeadline(time.Now().Add(DialTimeout)); err != nil {
		return err
	}
	action := strings.Join([]string{
		"Action: Login",
		"Username: " + username,
		"Secret: " + secret,
		"Events: call,cdr",
		"", "",
	}, "\r\n")
	if _, err := c.conn.Write([]byte(action)); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	// The banner line precedes the response; the parser skips it.
	for {
		evt, ok := c.parser.Next()
		if !ok {
			return fmt.Errorf("ami connection closed during login")
		}
		if !evt.IsResponse() {
			continue
		}
		if evt.Get("Response") != "Success" {
			return fmt.Errorf("ami login rejected: %s", evt.Get("Message"))
		}
		break
	}
	return c.conn.SetDeadline(time.Time{})
}

// Next returns the next event from the stream, skipping action responses.
// ok is false once the connection is gone.
func (c *Client) Next() (Event, bool) {
	return c.parser.NextEvent()
}

// Close tears down the connection. A pending Next unblocks with ok=false.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
