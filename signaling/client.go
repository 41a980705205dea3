package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ClientConfig struct {
	ReadLimit  int64
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendQueue  int
}

// Client pumps signaling messages between one websocket and the registry.
type Client struct {
	ID       string
	ws       *websocket.Conn
	conn     *Connection
	registry *Registry
	cfg      ClientConfig
	send     chan []byte
	quit     chan struct{}
	stopOnce sync.Once
}

// Serve registers id and runs the client until the websocket closes or
// the connection ends. It blocks and always closes ws.
func Serve(ctx context.Context, registry *Registry, cfg ClientConfig, ws *websocket.Conn, id string) {
	conn, err := registry.Register(id)
	if err != nil {
		log.Warnw("registration rejected", "id", id, "error", err)
		rejectClient(ws, cfg, err)
		return
	}

	client := &Client{
		ID:       id,
		ws:       ws,
		conn:     conn,
		registry: registry,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendQueue),
		quit:     make(chan struct{}),
	}
	go client.writePump()
	client.readPump(ctx)
}

func rejectClient(ws *websocket.Conn, cfg ClientConfig, cause error) {
	defer ws.Close()
	message, _ := json.Marshal(SignalingMessage{Type: MessageTypeError, Error: cause.Error()})
	ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		return
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"))
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		log.Debugf("Client %s read handler closing", c.ID)
		c.registry.CloseConnection(c.conn)
		c.stop()
	}()

	c.ws.SetReadLimit(c.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnw("unexpected websocket close", "id", c.ID, "error", err)
			}
			return
		}
		if !c.handle(ctx, data) {
			return
		}
	}
}

// handle processes one message and reports whether the client should
// keep reading.
func (c *Client) handle(ctx context.Context, data []byte) bool {
	var message SignalingMessage
	if err := json.Unmarshal(data, &message); err != nil {
		c.sendError(fmt.Errorf("invalid message: %w", err))
		return true
	}
	log.Debugw("message received", "id", c.ID, "type", message.Type)

	switch message.Type {
	case MessageTypeOffer:
		if message.Offer == nil {
			c.sendError(fmt.Errorf("%w: offer missing", ErrMalformedDescription))
			return false
		}
		answer, err := c.registry.HandleOffer(ctx, c.ID, message.Offer.SessionDescription())
		if err != nil {
			c.sendError(err)
			return !Fatal(err)
		}
		c.sendJSON(SignalingMessage{Type: MessageTypeAnswer, Answer: DescriptionFrom(answer)})
	case MessageTypeCandidate:
		if message.Candidate == nil {
			c.sendError(fmt.Errorf("%w: candidate missing", ErrMalformedCandidate))
			return true
		}
		if err := c.registry.HandleCandidate(c.ID, *message.Candidate); err != nil {
			c.sendError(err)
		}
	case MessageTypeEndTrack:
		// track_end is queued before the teardown so it is flushed
		// ahead of the close frame.
		if c.conn.State() == StateInit {
			c.sendError(c.registry.HandleEnd(c.ID))
			return true
		}
		c.sendJSON(SignalingMessage{Type: MessageTypeTrackEnd})
		if err := c.registry.HandleEnd(c.ID); err != nil {
			log.Warnw("ending connection failed", "id", c.ID, "error", err)
		}
		return false
	default:
		c.sendError(fmt.Errorf("unknown message type %q", message.Type))
	}
	return true
}

func (c *Client) sendError(err error) {
	if err == nil {
		return
	}
	var signalingErr *Error
	if errors.As(err, &signalingErr) {
		log.Infow("signaling error", "id", c.ID, "op", signalingErr.Op, "state", signalingErr.State, "error", signalingErr.Err)
	}
	c.sendJSON(SignalingMessage{Type: MessageTypeError, Error: err.Error()})
}

func (c *Client) sendJSON(message SignalingMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Errorf("Error marshaling %s message: %v", message.Type, err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warnw("send queue full, dropping message", "id", c.ID, "type", message.Type)
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			c.closeSocket("")
			return
		case <-c.conn.Done():
			c.closeSocket("connection closed")
			return
		}
	}
}

// closeSocket flushes queued messages and sends a close frame.
func (c *Client) closeSocket(reason string) {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
