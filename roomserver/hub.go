package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/stateroom/collab/collab"
)

type HubSettings struct {
	AuthTimeout    time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int

	EventLogSettings *collab.EventLogSettings
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		AuthTimeout:      2 * time.Second,
		PingTimeout:      1 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		SendBufferSize:   32,
		EventLogSettings: collab.DefaultEventLogSettings(),
	}
}

// relays envelopes between the members of each room and keeps the
// server-side mirror of presence and recent events, which seeds the
// snapshot sent to late joiners.
type Hub struct {
	ctx context.Context

	secret   []byte
	settings *HubSettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	rooms     map[string]*room
}

func NewHub(ctx context.Context, secret []byte, settings *HubSettings) *Hub {
	return &Hub{
		ctx:      ctx,
		secret:   secret,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: map[string]*room{},
	}
}

func (self *Hub) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/rooms/{roomId}/ws", self.serveWs)
	router.HandleFunc("/rooms/{roomId}", self.serveRoomInfo).Methods("GET")
	router.HandleFunc("/status", self.serveStatus).Methods("GET")
	return router
}

// one room per roomId, created on first join and removed when the last
// member leaves
type room struct {
	roomId string

	stateLock sync.Mutex
	seq       uint64
	clients   map[*client]bool
	// the live connection per userId. A user reconnecting on a new socket
	// displaces the old one, so the old socket's cleanup must not evict
	// the user from the room.
	current map[collab.Id]*client

	presence *collab.PresenceRegistry
	events   *collab.EventLog
}

func (self *room) setCurrent(c *client) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.current[c.userId] = c
}

// clears the live connection mapping only while `c` still holds it.
// false means a newer socket for the same user has taken over.
func (self *room) clearCurrent(c *client) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.current[c.userId] != c {
		return false
	}
	delete(self.current, c.userId)
	return true
}

func (self *room) nextSeq() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.seq += 1
	return self.seq
}

func (self *room) currentSeq() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.seq
}

type client struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws     *websocket.Conn
	userId collab.Id
	roomId string

	send chan []byte
}

func (self *Hub) room(roomId string) *room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[roomId]
	if !ok {
		r = &room{
			roomId:   roomId,
			clients:  map[*client]bool{},
			current:  map[collab.Id]*client{},
			presence: collab.NewPresenceRegistry(),
			events:   collab.NewEventLog(self.settings.EventLogSettings),
		}
		self.rooms[roomId] = r
		glog.V(2).Infof("[h]room open %s\n", roomId)
	}
	return r
}

func (self *Hub) removeClient(r *room, c *client) {
	empty := false
	func() {
		r.stateLock.Lock()
		defer r.stateLock.Unlock()

		delete(r.clients, c)
		empty = len(r.clients) == 0
	}()
	if empty {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		r.stateLock.Lock()
		stillEmpty := len(r.clients) == 0
		r.stateLock.Unlock()
		if stillEmpty {
			delete(self.rooms, r.roomId)
			glog.V(2).Infof("[h]room close %s\n", r.roomId)
		}
	}
}

func (self *Hub) serveWs(w http.ResponseWriter, req *http.Request) {
	roomId := mux.Vars(req)["roomId"]

	ws, err := self.upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.Infof("[h]upgrade error = %s\n", err)
		return
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	// the first message is the auth request
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[h]auth read error = %s\n", err)
		return
	}
	if messageType != websocket.BinaryMessage {
		return
	}
	authRequest, err := collab.DecodeAuthRequest(message)
	if err != nil {
		glog.Infof("[h]auth decode error = %s\n", err)
		return
	}
	if authRequest.RoomId != roomId {
		glog.Infof("[h]auth room mismatch %s != %s\n", authRequest.RoomId, roomId)
		return
	}
	roomToken, err := collab.ParseRoomToken(authRequest.ByJwt, self.secret)
	if err != nil {
		glog.Infof("[h]auth token error = %s\n", err)
		return
	}

	r := self.room(roomId)

	// the auth response is the room snapshot
	snapshot := &collab.SnapshotPayload{
		Participants: r.presence.ActiveUsers(),
		Events:       r.events.Events(),
		Seq:          r.currentSeq(),
	}
	snapshotBytes, err := collab.EncodeMessage(collab.MessageTypeSnapshot, roomId, collab.Id{}, snapshot)
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, snapshotBytes); err != nil {
		return
	}

	success = true

	cancelCtx, cancel := context.WithCancel(self.ctx)
	c := &client{
		ctx:    cancelCtx,
		cancel: cancel,
		ws:     ws,
		userId: roomToken.UserId,
		roomId: roomId,
		send:   make(chan []byte, self.settings.SendBufferSize),
	}

	func() {
		r.stateLock.Lock()
		defer r.stateLock.Unlock()

		r.clients[c] = true
	}()

	glog.V(2).Infof("[h]%s join %s\n", roomId, roomToken.UserId)

	go self.runWrite(c)
	go self.runRead(r, c)
}

func (self *Hub) runWrite(c *client) {
	defer func() {
		c.cancel()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				glog.Infof("[h]%s-> error = %s\n", c.roomId, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			c.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Hub) runRead(r *room, c *client) {
	left := false
	defer func() {
		c.cancel()
		c.ws.Close()
		self.removeClient(r, c)
		if !left {
			// dropped without a leave. Synthesize one so that the room
			// presence never carries a dead member.
			self.leave(r, c, "connection lost")
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			glog.Infof("[h]%s<- error = %s\n", c.roomId, err)
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}

		envelope, err := collab.DecodeEnvelope(message)
		if err != nil {
			// malformed message. Drop, never crash.
			glog.Infof("[h]%s<- drop malformed = %s\n", c.roomId, err)
			continue
		}
		if envelope.UserId != c.userId {
			// a client can only speak for its own user
			glog.Infof("[h]%s<- drop spoofed %s\n", c.roomId, envelope.UserId)
			continue
		}

		if self.handleEnvelope(r, c, envelope) {
			left = true
			return
		}
	}
}

// returns true if the client left the room
func (self *Hub) handleEnvelope(r *room, c *client, envelope *collab.Envelope) bool {
	envelope.Seq = r.nextSeq()

	switch envelope.MessageType {
	case collab.MessageTypeJoin:
		payload := &collab.JoinPayload{}
		if err := envelope.DecodePayload(payload); err != nil || payload.Participant == nil {
			glog.Infof("[h]%s<- drop malformed join\n", c.roomId)
			return false
		}
		payload.Participant.UserId = c.userId
		r.setCurrent(c)
		r.presence.AddParticipant(payload.Participant)
		r.events.AddEvent(collab.NewCollaborationEvent(collab.CollaborationEventTypeUserJoined, c.userId, nil))
		self.broadcast(r, c, envelope)
	case collab.MessageTypeLeave:
		self.leave(r, c, "")
		return true
	case collab.MessageTypeCursor:
		payload := &collab.CursorPayload{}
		if err := envelope.DecodePayload(payload); err != nil || payload.Cursor == nil {
			glog.Infof("[h]%s<- drop malformed cursor\n", c.roomId)
			return false
		}
		r.presence.UpdateCursor(c.userId, payload.Cursor)
		self.broadcast(r, c, envelope)
	case collab.MessageTypeAwareness:
		payload := &collab.AwarenessUpdatePayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			glog.Infof("[h]%s<- drop malformed awareness\n", c.roomId)
			return false
		}
		r.presence.UpdateAwareness(c.userId, payload.Awareness)
		self.broadcast(r, c, envelope)
	case collab.MessageTypeOperation:
		payload := &collab.OperationPayload{}
		if err := envelope.DecodePayload(payload); err != nil || payload.Operation == nil {
			glog.Infof("[h]%s<- drop malformed operation\n", c.roomId)
			return false
		}
		r.presence.Touch(c.userId)
		r.events.AddEvent(collab.NewCollaborationEvent(collab.CollaborationEventTypeOperation, c.userId, map[string]any{
			"operation_type": string(payload.Operation.OperationType),
			"object_id":      payload.Operation.ObjectId.String(),
		}))
		self.broadcast(r, c, envelope)
		self.ack(r, c, envelope)
	default:
		glog.Infof("[h]%s<- drop unknown %s\n", c.roomId, envelope.MessageType)
	}
	return false
}

func (self *Hub) leave(r *room, c *client, reason string) {
	if !r.clearCurrent(c) {
		return
	}
	if !r.presence.RemoveParticipant(c.userId) {
		return
	}
	r.events.AddEvent(collab.NewCollaborationEvent(collab.CollaborationEventTypeUserLeft, c.userId, nil))

	leaveEnvelope := &collab.Envelope{
		MessageId:   collab.NewId(),
		MessageType: collab.MessageTypeLeave,
		RoomId:      r.roomId,
		UserId:      c.userId,
		Seq:         r.nextSeq(),
	}
	if reason != "" {
		if payloadBytes, err := collab.EncodePayload(&collab.LeavePayload{Reason: reason}); err == nil {
			leaveEnvelope.Payload = payloadBytes
		}
	}
	self.broadcast(r, c, leaveEnvelope)
	glog.V(2).Infof("[h]%s leave %s\n", r.roomId, c.userId)
}

// fan out to every member except the sender. A member with a full send
// buffer is disconnected rather than allowed to stall the room.
func (self *Hub) broadcast(r *room, sender *client, envelope *collab.Envelope) {
	envelopeBytes, err := collab.EncodeEnvelope(envelope)
	if err != nil {
		glog.Infof("[h]%s encode error = %s\n", r.roomId, err)
		return
	}

	var members []*client
	func() {
		r.stateLock.Lock()
		defer r.stateLock.Unlock()

		for c := range r.clients {
			if c != sender {
				members = append(members, c)
			}
		}
	}()

	for _, c := range members {
		select {
		case c.send <- envelopeBytes:
		default:
			glog.Infof("[h]%s drop slow member %s\n", r.roomId, c.userId)
			c.cancel()
		}
	}
}

func (self *Hub) ack(r *room, c *client, envelope *collab.Envelope) {
	ackBytes, err := collab.EncodeMessage(collab.MessageTypeAck, r.roomId, collab.Id{}, &collab.AckPayload{
		MessageId: envelope.MessageId,
		Seq:       envelope.Seq,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- ackBytes:
	default:
		glog.Infof("[h]%s drop ack %s\n", r.roomId, c.userId)
	}
}

func (self *Hub) serveRoomInfo(w http.ResponseWriter, req *http.Request) {
	roomId := mux.Vars(req)["roomId"]

	participantCount := 0
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if r, ok := self.rooms[roomId]; ok {
			participantCount = r.presence.Len()
		}
	}()

	result := map[string]any{
		"room_id":           roomId,
		"participant_count": participantCount,
	}
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *Hub) serveStatus(w http.ResponseWriter, req *http.Request) {
	type StatusResult struct {
		Version   string `json:"version,omitempty"`
		Status    string `json:"status"`
		RoomCount int    `json:"room_count"`
	}

	roomCount := func() int {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return len(self.rooms)
	}()

	result := &StatusResult{
		Version:   Version(),
		Status:    "ok",
		RoomCount: roomCount,
	}
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}
