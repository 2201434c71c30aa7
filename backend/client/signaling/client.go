// Package signaling is a websocket client of the signaling hub.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout    = 5 * time.Second
	defaultWriteDeadline       = 5 * time.Second
	defaultCloseWriteDeadline  = 2 * time.Second
	defaultReadDeadline        = 15 * time.Second
	defaultMaxMessageSize      = 1 << 20
	defaultOutgoingQueueLength = 64
)

var (
	ErrDial   = errors.New("unable to connect to signaling hub")
	ErrClosed = errors.New("signaling connection is closed")
	ErrEncode = errors.New("unable to encode announcement")
)

type Config struct {
	Logger *zerolog.Logger
	URL    string
}

// Client owns one hub connection. Incoming announcements are delivered in order,
// the channel is closed when connection ends.
type Client struct {
	logger zerolog.Logger
	conn   *websocket.Conn

	tx   chan model.Announcement
	rx   chan model.Announcement
	done chan struct{}

	closeOnce *sync.Once
	closeErr  error
	wg        *sync.WaitGroup
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}

	c := &Client{
		logger:    cfg.Logger.With().Str("component", "signaling-client").Logger(),
		conn:      conn,
		tx:        make(chan model.Announcement, defaultOutgoingQueueLength),
		rx:        make(chan model.Announcement),
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
		wg:        &sync.WaitGroup{},
	}

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	c.logger.Debug().Str("url", cfg.URL).Msg("connected to hub")
	return c, nil
}

func (c *Client) Incoming() <-chan model.Announcement {
	return c.rx
}

// Done is closed once the client is shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Send(ann model.Announcement) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.tx <- ann:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Ready joins the room with the given identity.
func (c *Client) Ready(identity model.Identity) error {
	return c.send(model.AnnouncementTypeReady, identity)
}

func (c *Client) SendMovement(movement model.Movement) error {
	return c.send(model.AnnouncementTypeMovementChange, movement)
}

// SendSignal relays negotiation payload to target via hub.
func (c *Client) SendSignal(target model.PeerID, payload model.SignalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	return c.send(model.AnnouncementTypeSignal, model.OutboundSignal{
		Target:  target,
		Payload: raw,
	})
}

func (c *Client) send(typ string, payload any) error {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	return c.Send(ann)
}

// Close sends close frame and waits for pumps to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown()
	c.wg.Wait()
	return c.closeErr
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		wsErr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultCloseWriteDeadline))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			c.logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
		c.closeErr = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		close(c.rx)
		c.shutdown()
		c.wg.Done()
	}()

	conn := c.conn
	conn.SetReadLimit(defaultMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(defaultReadDeadline)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}
	// hub pings periodically, every ping extends read deadline
	conn.SetPingHandler(func(data string) error {
		c.logger.Trace().Msg("got ping")
		if err := conn.SetReadDeadline(time.Now().Add(defaultReadDeadline)); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn().Err(err).Msg("hub closed connection")
				} else {
					c.logger.Error().Err(err).Msg("unexpected error during receive")
				}
			}
			return
		}

		var ann model.Announcement
		if err = json.Unmarshal(msg, &ann); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		select {
		case c.rx <- ann:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.shutdown()
		c.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			return
		case ann := <-c.tx:
			if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if err := c.conn.WriteJSON(&ann); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing message")
				return
			}
		}
	}
}
