package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/cenkalti/backoff"

	"github.com/golang/glog"
)

// connection state machine is:
// ConnectionStateDisconnected
//
//	-> ConnectionStateReconnecting
//	  -> ConnectionStateConnected
//	  -> ConnectionStateError (folds back to ConnectionStateDisconnected)
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateError        ConnectionState = "error"
)

// the boolean is a projection of the state enum, never stored separately
func (self ConnectionState) IsConnected() bool {
	return self == ConnectionStateConnected
}

var ErrNoIdentity = errors.New("no local identity established")
var ErrNotConnected = errors.New("not connected to a room")

// terminal handshake failure after the retry policy is exhausted
type ConnectError struct {
	RoomId   string
	Attempts int
	Err      error
}

func (self *ConnectError) Error() string {
	return fmt.Sprintf("connect %s failed after %d attempts: %s", self.RoomId, self.Attempts, self.Err)
}

func (self *ConnectError) Unwrap() error {
	return self.Err
}

type StateChangeFunction = func(state ConnectionState)
type RemoteOperationFunction = func(userId Id, operation *Operation)

type CoordinatorSettings struct {
	BackoffInitialInterval time.Duration
	BackoffMultiplier      float64
	BackoffMaxInterval     time.Duration
	MaxConnectAttempts     int
	// timeout enqueuing an operation envelope for transmission
	SendTimeout time.Duration

	OperationLogSettings *OperationLogSettings
	EventLogSettings     *EventLogSettings
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		BackoffInitialInterval: 500 * time.Millisecond,
		BackoffMultiplier:      2,
		BackoffMaxInterval:     15 * time.Second,
		MaxConnectAttempts:     6,
		SendTimeout:            5 * time.Second,
		OperationLogSettings:   DefaultOperationLogSettings(),
		EventLogSettings:       DefaultEventLogSettings(),
	}
}

// owns room membership for one client and composes the operation log,
// the presence registry, and the event log. Local edits apply
// optimistically before transmission, so local state is always at least
// as fresh as the last acknowledged state.
//
// every connect attempt mints a monotonically increasing attempt token.
// an asynchronous result tagged with an older token than the current one
// is discarded, so a superseded handshake can never corrupt a newer one.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *CoordinatorSettings

	operationLog *OperationLog
	presence     *PresenceRegistry
	eventLog     *EventLog

	stateLock      sync.Mutex
	state          ConnectionState
	connectAttempt uint64
	conn           TransportConn
	roomId         string
	byJwt          string
	localUserId    Id
	localUser      *RoomToken
	lastSeq        uint64
	unacked        map[Id]*Operation
	lastError      error

	stateCallbacks           *CallbackList[StateChangeFunction]
	remoteOperationCallbacks *CallbackList[RemoteOperationFunction]
}

func NewCoordinatorWithDefaults(ctx context.Context, transport Transport) *Coordinator {
	return NewCoordinator(ctx, transport, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, transport Transport, settings *CoordinatorSettings) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		transport:                transport,
		settings:                 settings,
		operationLog:             NewOperationLog(settings.OperationLogSettings),
		presence:                 NewPresenceRegistry(),
		eventLog:                 NewEventLog(settings.EventLogSettings),
		state:                    ConnectionStateDisconnected,
		unacked:                  map[Id]*Operation{},
		stateCallbacks:           NewCallbackList[StateChangeFunction](),
		remoteOperationCallbacks: NewCallbackList[RemoteOperationFunction](),
	}
}

func (self *Coordinator) OperationLog() *OperationLog {
	return self.operationLog
}

func (self *Coordinator) Presence() *PresenceRegistry {
	return self.presence
}

func (self *Coordinator) EventLog() *EventLog {
	return self.eventLog
}

func (self *Coordinator) AddStateChangeCallback(stateCallback StateChangeFunction) func() {
	id := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(id)
	}
}

func (self *Coordinator) AddRemoteOperationCallback(remoteOperationCallback RemoteOperationFunction) func() {
	id := self.remoteOperationCallbacks.Add(remoteOperationCallback)
	return func() {
		self.remoteOperationCallbacks.Remove(id)
	}
}

func (self *Coordinator) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Coordinator) IsConnected() bool {
	return self.State().IsConnected()
}

func (self *Coordinator) RoomId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.roomId
}

func (self *Coordinator) LocalUserId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.localUserId
}

// the terminal error of the most recent failed connect, if any
func (self *Coordinator) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastError
}

// operations applied locally but not yet acknowledged by the server
func (self *Coordinator) UnackedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.unacked)
}

func (self *Coordinator) setState(state ConnectionState) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != state {
			self.state = state
			changed = true
		}
	}()
	if changed {
		glog.V(2).Infof("[co]state %s\n", state)
		for _, stateCallback := range self.stateCallbacks.Get() {
			func(stateCallback StateChangeFunction) {
				safeCallback(func() {
					stateCallback(state)
				})
			}(stateCallback)
		}
	}
}

// joins a room. Blocks until connected or the retry policy is exhausted.
// a newer Connect or a Disconnect issued while this call is in flight
// supersedes it; the superseded result is discarded.
func (self *Coordinator) Connect(ctx context.Context, roomId string, byJwt string) error {
	localUser, err := ParseRoomTokenUnverified(byJwt)
	if err != nil {
		return err
	}

	var attempt uint64
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		// a client belongs to at most one room. A connect while connected
		// supersedes the previous membership.
		if self.conn != nil {
			self.conn.Close()
			self.conn = nil
		}
		self.resetRoomState()

		self.connectAttempt += 1
		attempt = self.connectAttempt
		self.byJwt = byJwt
		self.localUser = localUser
		self.localUserId = localUser.UserId
		self.lastError = nil
	}()

	return self.connectLoop(ctx, attempt, roomId, byJwt, localUser)
}

func (self *Coordinator) connectLoop(ctx context.Context, attempt uint64, roomId string, byJwt string, localUser *RoomToken) error {
	self.setState(ConnectionStateReconnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = self.settings.BackoffInitialInterval
	b.Multiplier = self.settings.BackoffMultiplier
	b.MaxInterval = self.settings.BackoffMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	var connectErr error
	for i := 0; i < self.settings.MaxConnectAttempts; i += 1 {
		if !self.attemptCurrent(attempt) {
			return nil
		}

		conn, err := self.transport.Connect(ctx, roomId, byJwt)
		if err == nil {
			if self.applyConnect(attempt, roomId, conn, localUser) {
				return nil
			}
			// superseded while the handshake was in flight
			conn.Close()
			return nil
		}
		connectErr = err
		glog.Infof("[co]connect %s error = %s\n", roomId, err)

		select {
		case <-ctx.Done():
			connectErr = ctx.Err()
			i = self.settings.MaxConnectAttempts
		case <-self.ctx.Done():
			connectErr = self.ctx.Err()
			i = self.settings.MaxConnectAttempts
		case <-time.After(b.NextBackOff()):
		}
	}

	terminalErr := &ConnectError{
		RoomId:   roomId,
		Attempts: self.settings.MaxConnectAttempts,
		Err:      connectErr,
	}
	if !self.applyConnectError(attempt, terminalErr) {
		return nil
	}
	return terminalErr
}

// applies a successful handshake if `attempt` is still current
func (self *Coordinator) applyConnect(attempt uint64, roomId string, conn TransportConn, localUser *RoomToken) bool {
	snapshot := conn.Snapshot()

	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if attempt != self.connectAttempt {
			return false
		}
		self.conn = conn
		self.roomId = roomId
		self.lastSeq = snapshot.Seq
		return true
	}()
	if !ok {
		return false
	}

	// presence rebuilds from nothing on every connect
	self.presence.Reset()
	for _, participant := range snapshot.Participants {
		self.presence.AddParticipant(participant)
	}
	self.eventLog.SetEvents(snapshot.Events)

	localParticipant := &Participant{
		ParticipantId: NewId(),
		UserId:        localUser.UserId,
		Name:          localUser.Name,
		Avatar:        localUser.Avatar,
		IsActive:      true,
		JoinedAt:      time.Now(),
		LastActivity:  time.Now(),
	}
	self.presence.AddParticipant(localParticipant)
	self.eventLog.AddEvent(NewCollaborationEvent(CollaborationEventTypeUserJoined, localUser.UserId, nil))

	self.setState(ConnectionStateConnected)

	envelope := &Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeJoin,
		RoomId:      roomId,
		UserId:      localUser.UserId,
	}
	if payloadBytes, err := EncodePayload(&JoinPayload{Participant: localParticipant}); err == nil {
		envelope.Payload = payloadBytes
		conn.Send(envelope, self.settings.SendTimeout)
	}

	// retransmit operations the previous connection never got an ack for,
	// including edits queued while the connection was down
	pending := func() map[Id]*Operation {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return maps.Clone(self.unacked)
	}()
	for messageId, operation := range pending {
		payloadBytes, err := EncodePayload(&OperationPayload{Operation: operation})
		if err != nil {
			continue
		}
		conn.Send(&Envelope{
			MessageId:   messageId,
			MessageType: MessageTypeOperation,
			RoomId:      roomId,
			UserId:      localUser.UserId,
			Payload:     payloadBytes,
		}, self.settings.SendTimeout)
	}

	go self.runReceive(attempt, conn)
	return true
}

func (self *Coordinator) applyConnectError(attempt uint64, terminalErr error) bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if attempt != self.connectAttempt {
			return false
		}
		self.lastError = terminalErr
		return true
	}()
	if !ok {
		return false
	}
	self.setState(ConnectionStateError)
	self.setState(ConnectionStateDisconnected)
	return true
}

func (self *Coordinator) attemptCurrent(attempt uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return attempt == self.connectAttempt
}

// leaves the current room and performs a full local reset. Re-joining
// rebuilds presence from nothing.
func (self *Coordinator) Disconnect() {
	var conn TransportConn
	var roomId string
	var localUserId Id
	active := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.state {
		case ConnectionStateConnected, ConnectionStateReconnecting:
			active = true
		default:
			return
		}

		// supersede any in-flight attempt
		self.connectAttempt += 1
		conn = self.conn
		roomId = self.roomId
		localUserId = self.localUserId
		self.conn = nil
	}()
	if !active {
		return
	}

	if conn != nil {
		envelope := &Envelope{
			MessageId:   NewId(),
			MessageType: MessageTypeLeave,
			RoomId:      roomId,
			UserId:      localUserId,
		}
		// best effort. The hub also emits user-left when the socket drops.
		conn.Send(envelope, 0)
		conn.Close()
	}

	self.eventLog.AddEvent(NewCollaborationEvent(CollaborationEventTypeUserLeft, localUserId, nil))

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.resetRoomState()
	}()
	self.presence.Reset()
	self.eventLog.ClearEvents()

	self.setState(ConnectionStateDisconnected)
}

// must be called with `stateLock`
func (self *Coordinator) resetRoomState() {
	self.roomId = ""
	self.lastSeq = 0
	self.unacked = map[Id]*Operation{}
}

// leave-then-join. Never concurrently a member of two rooms.
func (self *Coordinator) SwitchRoom(ctx context.Context, roomId string) error {
	var byJwt string
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		byJwt = self.byJwt
	}()
	if byJwt == "" {
		return ErrNoIdentity
	}

	self.Disconnect()
	return self.Connect(ctx, roomId, byJwt)
}

func (self *Coordinator) Close() {
	self.Disconnect()
	self.cancel()
}

// applies the cursor locally, then enqueues it for transmission.
// no-op unless connected.
func (self *Coordinator) BroadcastCursor(cursor *Cursor) bool {
	conn, roomId, localUserId, ok := self.connectedConn()
	if !ok {
		return false
	}

	self.presence.UpdateCursor(localUserId, cursor)

	envelope := &Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeCursor,
		RoomId:      roomId,
		UserId:      localUserId,
	}
	payloadBytes, err := EncodePayload(&CursorPayload{Cursor: cursor})
	if err != nil {
		return false
	}
	envelope.Payload = payloadBytes
	// cursor updates are superseded by the next update. Drop on backpressure.
	return conn.Send(envelope, 0)
}

// applies the awareness bag locally (wholesale replace), then enqueues
// it for transmission. No-op unless connected.
func (self *Coordinator) BroadcastAwareness(payload AwarenessPayload) bool {
	conn, roomId, localUserId, ok := self.connectedConn()
	if !ok {
		return false
	}

	self.presence.UpdateAwareness(localUserId, payload)

	envelope := &Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeAwareness,
		RoomId:      roomId,
		UserId:      localUserId,
	}
	payloadBytes, err := EncodePayload(&AwarenessUpdatePayload{Awareness: payload})
	if err != nil {
		return false
	}
	envelope.Payload = payloadBytes
	return conn.Send(envelope, 0)
}

// appends the operation to the local history (optimistic), records the
// activity event, then enqueues the operation for transmission.
// the local apply happens even when not connected. While a room
// membership is reconnecting the operation is queued and retransmitted
// after the next handshake; with no membership at all the edit stays
// local. Returns true only when the operation was handed to the
// transport.
func (self *Coordinator) BroadcastOperation(operation *Operation) bool {
	self.operationLog.Append(operation)

	messageId := NewId()
	var conn TransportConn
	var roomId string
	var localUserId Id
	member := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.state {
		case ConnectionStateConnected, ConnectionStateReconnecting:
			member = true
			self.unacked[messageId] = operation
			if self.state == ConnectionStateConnected {
				conn = self.conn
			}
			roomId = self.roomId
			localUserId = self.localUserId
		}
	}()
	if !member {
		return false
	}

	self.eventLog.AddEvent(NewCollaborationEvent(CollaborationEventTypeOperation, localUserId, map[string]any{
		"operation_type": string(operation.OperationType),
		"object_id":      operation.ObjectId.String(),
	}))

	if conn == nil {
		// queued. Sent by the retransmit pass after the reconnect.
		return false
	}

	payloadBytes, err := EncodePayload(&OperationPayload{Operation: operation})
	if err != nil {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			delete(self.unacked, messageId)
		}()
		return false
	}
	envelope := &Envelope{
		MessageId:   messageId,
		MessageType: MessageTypeOperation,
		RoomId:      roomId,
		UserId:      localUserId,
		Payload:     payloadBytes,
	}
	if !conn.Send(envelope, self.settings.SendTimeout) {
		// stays queued for the retransmit pass
		return false
	}
	return true
}

func (self *Coordinator) connectedConn() (TransportConn, string, Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != ConnectionStateConnected || self.conn == nil {
		return nil, "", Id{}, false
	}
	return self.conn, self.roomId, self.localUserId, true
}

func (self *Coordinator) runReceive(attempt uint64, conn TransportConn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-conn.Done():
			self.connectionLost(attempt)
			return
		case envelope, ok := <-conn.Receive():
			if !ok {
				self.connectionLost(attempt)
				return
			}
			self.handleMessage(attempt, envelope)
		}
	}
}

// the connection dropped out from under a live membership.
// fold back to reconnecting and retry with the same identity.
func (self *Coordinator) connectionLost(attempt uint64) {
	var roomId string
	var byJwt string
	var localUser *RoomToken
	var nextAttempt uint64
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if attempt != self.connectAttempt {
			return false
		}
		self.conn = nil
		self.connectAttempt += 1
		nextAttempt = self.connectAttempt
		roomId = self.roomId
		byJwt = self.byJwt
		localUser = self.localUser
		return true
	}()
	if !ok {
		return
	}

	glog.Infof("[co]connection lost %s\n", roomId)

	// presence is rebuilt from the next snapshot
	self.presence.Reset()

	if err := self.connectLoop(self.ctx, nextAttempt, roomId, byJwt, localUser); err != nil {
		// terminal. State has settled at disconnected with lastError set.
		self.presence.Reset()
		self.eventLog.ClearEvents()
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if nextAttempt == self.connectAttempt {
				self.resetRoomState()
			}
		}()
	}
}

func (self *Coordinator) handleMessage(attempt uint64, envelope *Envelope) {
	var localUserId Id
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if attempt != self.connectAttempt {
			// stale connection
			return false
		}
		if envelope.Seq != 0 {
			if envelope.Seq <= self.lastSeq {
				// duplicate or out of order delivery
				return false
			}
			self.lastSeq = envelope.Seq
		}
		localUserId = self.localUserId
		return true
	}()
	if !ok {
		glog.V(2).Infof("[co]drop stale %s\n", envelope.MessageType)
		return
	}

	switch envelope.MessageType {
	case MessageTypeJoin:
		payload := &JoinPayload{}
		if err := envelope.DecodePayload(payload); err != nil || payload.Participant == nil {
			glog.Infof("[co]drop malformed %s = %s\n", envelope.MessageType, err)
			return
		}
		if payload.Participant.UserId == localUserId {
			return
		}
		self.presence.AddParticipant(payload.Participant)
		self.eventLog.AddEvent(NewCollaborationEvent(CollaborationEventTypeUserJoined, payload.Participant.UserId, nil))
	case MessageTypeLeave:
		if envelope.UserId == localUserId {
			// the hub never evicts the local user out from under a live
			// connection. A self leave here is an echo of a stale socket.
			return
		}
		self.presence.RemoveParticipant(envelope.UserId)
		self.eventLog.AddEvent(NewCollaborationEvent(CollaborationEventTypeUserLeft, envelope.UserId, nil))
	case MessageTypeCursor:
		payload := &CursorPayload{}
		if err := envelope.DecodePayload(payload); err != nil || payload.Cursor == nil {
			glog.Infof("[co]drop malformed %s = %s\n", envelope.MessageType, err)
			return
		}
		self.presence.UpdateCursor(envelope.UserId, payload.Cursor)
	case MessageTypeAwareness:
		payload := &AwarenessUpdatePayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			glog.Infof("[co]drop malformed %s = %s\n", envelope.MessageType, err)
			return
		}
		self.presence.UpdateAwareness(envelope.UserId, payload.Awareness)
	case MessageTypeOperation:
		payload := &OperationPayload{}
		if err := envelope.DecodePayload(payload); err != nil || payload.Operation == nil {
			glog.Infof("[co]drop malformed %s = %s\n", envelope.MessageType, err)
			return
		}
		self.presence.Touch(envelope.UserId)
		self.eventLog.AddEvent(NewCollaborationEvent(CollaborationEventTypeOperation, envelope.UserId, map[string]any{
			"operation_type": string(payload.Operation.OperationType),
			"object_id":      payload.Operation.ObjectId.String(),
		}))
		for _, remoteOperationCallback := range self.remoteOperationCallbacks.Get() {
			func(remoteOperationCallback RemoteOperationFunction) {
				safeCallback(func() {
					remoteOperationCallback(envelope.UserId, payload.Operation)
				})
			}(remoteOperationCallback)
		}
	case MessageTypeAck:
		payload := &AckPayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			glog.Infof("[co]drop malformed %s = %s\n", envelope.MessageType, err)
			return
		}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			delete(self.unacked, payload.MessageId)
		}()
	case MessageTypeSnapshot:
		payload := &SnapshotPayload{}
		if err := envelope.DecodePayload(payload); err != nil {
			glog.Infof("[co]drop malformed %s = %s\n", envelope.MessageType, err)
			return
		}
		self.applyRefresh(attempt, payload)
	default:
		glog.Infof("[co]drop unknown %s\n", envelope.MessageType)
	}
}

// a server-pushed snapshot replaces local presence and events wholesale
func (self *Coordinator) applyRefresh(attempt uint64, snapshot *SnapshotPayload) {
	var localUser *RoomToken
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if attempt != self.connectAttempt {
			return false
		}
		if snapshot.Seq != 0 {
			self.lastSeq = snapshot.Seq
		}
		localUser = self.localUser
		return true
	}()
	if !ok {
		return
	}

	self.presence.Reset()
	for _, participant := range snapshot.Participants {
		self.presence.AddParticipant(participant)
	}
	if localUser != nil {
		localParticipant := &Participant{
			ParticipantId: NewId(),
			UserId:        localUser.UserId,
			Name:          localUser.Name,
			Avatar:        localUser.Avatar,
			IsActive:      true,
			JoinedAt:      time.Now(),
			LastActivity:  time.Now(),
		}
		self.presence.AddParticipant(localParticipant)
	}
	self.eventLog.SetEvents(snapshot.Events)
}
