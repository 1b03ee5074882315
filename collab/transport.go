package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// a transport produces one authenticated room connection per Connect
// call. The coordinator owns the lifecycle above it: reconnect, backoff,
// and attempt supersession all happen in the coordinator, never here.

type Transport interface {
	Connect(ctx context.Context, roomId string, byJwt string) (TransportConn, error)
}

type TransportConn interface {
	// the server-authoritative room state received during the handshake
	Snapshot() *SnapshotPayload
	// false if the send buffer is full at timeout, or the conn is closed.
	// timeout < 0 blocks, timeout 0 never blocks.
	Send(envelope *Envelope, timeout time.Duration) bool
	Receive() <-chan *Envelope
	Done() <-chan struct{}
	Close()
}

type RoomTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	ReceiveBufferSize  int
}

func DefaultRoomTransportSettings() *RoomTransportSettings {
	return &RoomTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
		ReceiveBufferSize:  32,
	}
}

// websocket transport to a room server
type WsTransport struct {
	serverUrl  string
	appVersion string

	settings *RoomTransportSettings
}

func NewWsTransportWithDefaults(serverUrl string) *WsTransport {
	return NewWsTransport(serverUrl, "", DefaultRoomTransportSettings())
}

func NewWsTransport(serverUrl string, appVersion string, settings *RoomTransportSettings) *WsTransport {
	return &WsTransport{
		serverUrl:  serverUrl,
		appVersion: appVersion,
		settings:   settings,
	}
}

func (self *WsTransport) Connect(ctx context.Context, roomId string, byJwt string) (TransportConn, error) {
	authBytes, err := EncodeAuthRequest(&AuthRequest{
		ByJwt:      byJwt,
		RoomId:     roomId,
		AppVersion: self.appVersion,
	})
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	wsUrl := fmt.Sprintf("%s/rooms/%s/ws", self.serverUrl, roomId)
	ws, _, err := dialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}

	// the auth response is the room snapshot
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("auth response error")
	}
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}
	if envelope.MessageType != MessageTypeSnapshot {
		return nil, fmt.Errorf("auth response error: %s", envelope.MessageType)
	}
	snapshot := &SnapshotPayload{}
	if err := envelope.DecodePayload(snapshot); err != nil {
		return nil, err
	}

	success = true

	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &wsTransportConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		roomId:   roomId,
		snapshot: snapshot,
		send:     make(chan *Envelope, self.settings.SendBufferSize),
		receive:  make(chan *Envelope, self.settings.ReceiveBufferSize),
		settings: self.settings,
	}
	go conn.runWrite()
	go conn.runRead()
	return conn, nil
}

type wsTransportConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	roomId   string
	snapshot *SnapshotPayload

	send    chan *Envelope
	receive chan *Envelope

	settings *RoomTransportSettings
}

func (self *wsTransportConn) Snapshot() *SnapshotPayload {
	return self.snapshot
}

func (self *wsTransportConn) Send(envelope *Envelope, timeout time.Duration) bool {
	if timeout < 0 {
		select {
		case <-self.ctx.Done():
			return false
		case self.send <- envelope:
			return true
		}
	} else if timeout == 0 {
		select {
		case <-self.ctx.Done():
			return false
		case self.send <- envelope:
			return true
		default:
			// full
			return false
		}
	} else {
		select {
		case <-self.ctx.Done():
			return false
		case self.send <- envelope:
			return true
		case <-time.After(timeout):
			// full
			return false
		}
	}
}

func (self *wsTransportConn) Receive() <-chan *Envelope {
	return self.receive
}

func (self *wsTransportConn) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *wsTransportConn) Close() {
	self.cancel()
	self.ws.Close()
}

func (self *wsTransportConn) runWrite() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case envelope := <-self.send:
			envelopeBytes, err := EncodeEnvelope(envelope)
			if err != nil {
				glog.Infof("[t]%s-> encode error = %s\n", self.roomId, err)
				continue
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, envelopeBytes); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[t]%s-> error = %s\n", self.roomId, err)
				return
			}
			glog.V(2).Infof("[t]%s->%s\n", self.roomId, envelope.MessageType)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *wsTransportConn) runRead() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[t]%s<- error = %s\n", self.roomId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[t]ping %s<-\n", self.roomId)
				continue
			}

			envelope, err := DecodeEnvelope(message)
			if err != nil {
				// malformed message. Drop, never crash.
				glog.Infof("[t]%s<- drop malformed = %s\n", self.roomId, err)
				continue
			}

			select {
			case <-self.ctx.Done():
				return
			case self.receive <- envelope:
				glog.V(2).Infof("[t]%s<-%s\n", self.roomId, envelope.MessageType)
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[t]drop %s<-\n", self.roomId)
			}
		default:
			glog.V(2).Infof("[t]other=%d %s<-\n", messageType, self.roomId)
		}
	}
}
