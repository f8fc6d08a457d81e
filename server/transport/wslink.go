package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// bridgeMessage is the control envelope exchanged with the BLE bridge
// gateway over the websocket's text channel. Device notification payloads
// travel as binary websocket messages.
type bridgeMessage struct {
	Op        string         `json:"op"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Requested int            `json:"requested,omitempty"`
	Granted   int            `json:"granted,omitempty"`
	Data      string         `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Device    *Advertisement `json:"device,omitempty"`
}

// Bridge operations.
const (
	opScan      = "scan"
	opScanStop  = "scan_stop"
	opConnect   = "connect"
	opMTU       = "mtu"
	opWrite     = "write"
	opResult    = "result"
	opAdvertise = "advertisement"
)

// WSLink speaks to a BLE bridge gateway over a websocket: the gateway owns
// the radio, the link relays commands and notifications. It implements both
// Link and Scanner.
type WSLink struct {
	url    string
	logger *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	replyCh      chan bridgeMessage
	scanCh       chan Advertisement
	closed       bool
	disconnected chan struct{}

	notifications chan []byte
	writeMu       sync.Mutex
}

func NewWSLink(url string, logger *zap.Logger) *WSLink {
	return &WSLink{
		url:           url,
		logger:        logger,
		notifications: make(chan []byte, 256),
		disconnected:  make(chan struct{}),
	}
}

// Connect dials the bridge and asks it to connect to the device.
func (l *WSLink) Connect(ctx context.Context, deviceID string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", l.url, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.replyCh = make(chan bridgeMessage, 8)
	l.mu.Unlock()

	go l.readPump()

	reply, err := l.request(ctx, bridgeMessage{Op: opConnect, DeviceID: deviceID})
	if err != nil {
		conn.Close()
		return fmt.Errorf("bridge connect %s: %w", deviceID, err)
	}
	if reply.Error != "" {
		conn.Close()
		return fmt.Errorf("bridge connect %s: %s", deviceID, reply.Error)
	}
	return nil
}

// NegotiateMTU asks the bridge for a payload size. Refusal falls back to
// the minimal BLE payload rather than failing the connection.
func (l *WSLink) NegotiateMTU(ctx context.Context, requested int) (int, error) {
	reply, err := l.request(ctx, bridgeMessage{Op: opMTU, Requested: requested})
	if err != nil {
		return 0, err
	}
	if reply.Error != "" || reply.Granted < 20 {
		l.logger.Warn("MTU negotiation refused, using minimal payload",
			zap.String("error", reply.Error))
		return 20, nil
	}
	return reply.Granted, nil
}

// Write relays one chunk to the device characteristic.
func (l *WSLink) Write(ctx context.Context, chunk []byte) error {
	msg := bridgeMessage{Op: opWrite, Data: base64.StdEncoding.EncodeToString(chunk)}
	reply, err := l.request(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("bridge write: %s", reply.Error)
	}
	return nil
}

func (l *WSLink) Notifications() <-chan []byte {
	return l.notifications
}

func (l *WSLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Scan asks the bridge to start advertising discovery. The returned channel
// closes when ctx expires.
func (l *WSLink) Scan(ctx context.Context) (<-chan Advertisement, error) {
	l.mu.Lock()
	if l.conn == nil {
		l.mu.Unlock()
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, l.url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial bridge %s: %w", l.url, err)
		}
		l.mu.Lock()
		l.conn = conn
		l.replyCh = make(chan bridgeMessage, 8)
		l.mu.Unlock()
		go l.readPump()
	} else {
		l.mu.Unlock()
	}

	ch := make(chan Advertisement, 16)
	l.mu.Lock()
	l.scanCh = ch
	l.mu.Unlock()

	if err := l.send(bridgeMessage{Op: opScan}); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		l.send(bridgeMessage{Op: opScanStop})
		l.mu.Lock()
		if l.scanCh == ch {
			l.scanCh = nil
			close(ch)
		}
		l.mu.Unlock()
	}()
	return ch, nil
}

func (l *WSLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.disconnected)
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// request sends a control message and waits for the bridge's result reply.
func (l *WSLink) request(ctx context.Context, msg bridgeMessage) (bridgeMessage, error) {
	l.mu.Lock()
	replyCh := l.replyCh
	l.mu.Unlock()
	if replyCh == nil {
		return bridgeMessage{}, fmt.Errorf("bridge not connected")
	}

	if err := l.send(msg); err != nil {
		return bridgeMessage{}, err
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return bridgeMessage{}, ctx.Err()
	case <-l.disconnected:
		return bridgeMessage{}, fmt.Errorf("bridge connection lost")
	}
}

func (l *WSLink) send(msg bridgeMessage) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bridge message: %w", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readPump routes inbound websocket messages: binary frames are device
// notifications, text frames are bridge control traffic.
func (l *WSLink) readPump() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	defer l.Close()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			l.logger.Debug("bridge read ended", zap.Error(err))
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			select {
			case l.notifications <- data:
			default:
				l.logger.Warn("notification buffer full, dropping payload",
					zap.Int("bytes", len(data)))
			}
		case websocket.TextMessage:
			var msg bridgeMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				l.logger.Warn("malformed bridge message", zap.Error(err))
				continue
			}
			l.routeControl(msg)
		}
	}
}

func (l *WSLink) routeControl(msg bridgeMessage) {
	switch msg.Op {
	case opAdvertise:
		l.mu.Lock()
		ch := l.scanCh
		l.mu.Unlock()
		if ch != nil && msg.Device != nil {
			select {
			case ch <- *msg.Device:
			default:
			}
		}
	case opResult:
		l.mu.Lock()
		ch := l.replyCh
		l.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
				l.logger.Warn("unexpected bridge result dropped")
			}
		}
	default:
		l.logger.Debug("unhandled bridge op", zap.String("op", msg.Op))
	}
}
