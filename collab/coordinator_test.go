package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testCoordinatorSettings() *CoordinatorSettings {
	settings := DefaultCoordinatorSettings()
	settings.BackoffInitialInterval = 1 * time.Millisecond
	settings.BackoffMaxInterval = 5 * time.Millisecond
	settings.MaxConnectAttempts = 3
	return settings
}

func testRoomJwt(t *testing.T, name string) (Id, string) {
	userId := NewId()
	byJwt, err := SignRoomToken(
		&RoomToken{
			UserId: userId,
			Name:   name,
		},
		[]byte("test-secret"),
	)
	assert.Equal(t, nil, err)
	return userId, byJwt
}

// in-memory transport. Each Connect returns a scripted result; envelopes
// are injected into the receive channel by the test.
type memTransport struct {
	stateLock sync.Mutex

	// connect errors to burn through before connects succeed
	failCount int
	snapshots map[string]*SnapshotPayload
	conns     []*memConn
}

func newMemTransport() *memTransport {
	return &memTransport{
		snapshots: map[string]*SnapshotPayload{},
	}
}

func (self *memTransport) Connect(ctx context.Context, roomId string, byJwt string) (TransportConn, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.failCount {
		self.failCount -= 1
		return nil, fmt.Errorf("handshake refused")
	}

	snapshot := self.snapshots[roomId]
	if snapshot == nil {
		snapshot = &SnapshotPayload{}
	}
	conn := newMemConn(roomId, snapshot)
	self.conns = append(self.conns, conn)
	return conn, nil
}

func (self *memTransport) setFailCount(failCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failCount = failCount
}

func (self *memTransport) connCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.conns)
}

func (self *memTransport) lastConn() *memConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.conns) == 0 {
		return nil
	}
	return self.conns[len(self.conns)-1]
}

type memConn struct {
	roomId   string
	snapshot *SnapshotPayload

	receive chan *Envelope
	done    chan struct{}

	stateLock sync.Mutex
	closed    bool
	sent      []*Envelope
}

func newMemConn(roomId string, snapshot *SnapshotPayload) *memConn {
	return &memConn{
		roomId:   roomId,
		snapshot: snapshot,
		receive:  make(chan *Envelope, 32),
		done:     make(chan struct{}),
	}
}

func (self *memConn) Snapshot() *SnapshotPayload {
	return self.snapshot
}

func (self *memConn) Send(envelope *Envelope, timeout time.Duration) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}
	self.sent = append(self.sent, envelope)
	return true
}

func (self *memConn) Receive() <-chan *Envelope {
	return self.receive
}

func (self *memConn) Done() <-chan struct{} {
	return self.done
}

func (self *memConn) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	// the receive channel stays open, like a conn whose pump died.
	// loss is signaled through Done only.
	close(self.done)
}

func (self *memConn) inject(envelope *Envelope) {
	self.receive <- envelope
}

func (self *memConn) sentMessages() []*Envelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sent := make([]*Envelope, len(self.sent))
	copy(sent, self.sent)
	return sent
}

func (self *memConn) sentByType(messageType MessageType) []*Envelope {
	matches := []*Envelope{}
	for _, envelope := range self.sentMessages() {
		if envelope.MessageType == messageType {
			matches = append(matches, envelope)
		}
	}
	return matches
}

func waitFor(t *testing.T, condition func() bool) {
	endTime := time.Now().Add(1 * time.Second)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestCoordinatorConnect(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	states := []ConnectionState{}
	var statesLock sync.Mutex
	coordinator.AddStateChangeCallback(func(state ConnectionState) {
		statesLock.Lock()
		defer statesLock.Unlock()
		states = append(states, state)
	})

	userId, byJwt := testRoomJwt(t, "ada")

	assert.Equal(t, ConnectionStateDisconnected, coordinator.State())
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	assert.Equal(t, ConnectionStateConnected, coordinator.State())
	assert.Equal(t, true, coordinator.IsConnected())
	assert.Equal(t, "r1", coordinator.RoomId())
	assert.Equal(t, userId, coordinator.LocalUserId())

	statesLock.Lock()
	assert.Equal(t, []ConnectionState{ConnectionStateReconnecting, ConnectionStateConnected}, states)
	statesLock.Unlock()

	// the local participant is present and a join was transmitted
	participant, ok := coordinator.Presence().Participant(userId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "ada", participant.Name)

	events := coordinator.EventLog().Events()
	assert.Equal(t, 1, len(events))
	assert.Equal(t, CollaborationEventTypeUserJoined, events[0].EventType)

	conn := transport.lastConn()
	assert.Equal(t, 1, len(conn.sentByType(MessageTypeJoin)))
}

func TestCoordinatorConnectRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	transport.failCount = 100

	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")

	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.NotEqual(t, nil, err)

	var connectErr *ConnectError
	assert.Equal(t, true, errors.As(err, &connectErr))
	assert.Equal(t, 3, connectErr.Attempts)

	// state settles at disconnected with the error surfaced
	assert.Equal(t, ConnectionStateDisconnected, coordinator.State())
	assert.NotEqual(t, nil, coordinator.LastError())
}

func TestCoordinatorConnectRecoversWithinPolicy(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	transport.failCount = 2

	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")

	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, ConnectionStateConnected, coordinator.State())
	assert.Equal(t, nil, coordinator.LastError())
}

func TestCoordinatorDisconnectResets(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()

	remoteUserId := NewId()
	transport.snapshots["r1"] = &SnapshotPayload{
		Participants: []*Participant{testParticipant("remote")},
		Events: []*CollaborationEvent{
			NewCollaborationEvent(CollaborationEventTypeUserJoined, remoteUserId, nil),
		},
		Seq: 7,
	}

	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, coordinator.Presence().Len())

	coordinator.Disconnect()

	assert.Equal(t, ConnectionStateDisconnected, coordinator.State())
	assert.Equal(t, "", coordinator.RoomId())
	assert.Equal(t, 0, coordinator.Presence().Len())
	assert.Equal(t, 0, coordinator.EventLog().Len())
	assert.Equal(t, 0, coordinator.UnackedCount())

	// a leave was transmitted before the conn closed
	conn := transport.lastConn()
	assert.Equal(t, 1, len(conn.sentByType(MessageTypeLeave)))

	// disconnect when already disconnected is a no-op
	coordinator.Disconnect()
	assert.Equal(t, ConnectionStateDisconnected, coordinator.State())
}

func TestCoordinatorReconnectRebuildsPresence(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()

	first := testParticipant("first")
	transport.snapshots["r1"] = &SnapshotPayload{
		Participants: []*Participant{first},
	}

	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	userId, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, coordinator.Presence().Len())

	coordinator.Disconnect()

	// the next session has a different remote set. Presence must contain
	// exactly the latest set, never a union with the prior session.
	second := testParticipant("second")
	transport.snapshots["r1"] = &SnapshotPayload{
		Participants: []*Participant{second},
	}

	err = coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, coordinator.Presence().Len())
	_, ok := coordinator.Presence().Participant(second.UserId)
	assert.Equal(t, true, ok)
	_, ok = coordinator.Presence().Participant(first.UserId)
	assert.Equal(t, false, ok)
	_, ok = coordinator.Presence().Participant(userId)
	assert.Equal(t, true, ok)
}

func TestCoordinatorSwitchRoom(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	userId, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	states := []ConnectionState{}
	var statesLock sync.Mutex
	remove := coordinator.AddStateChangeCallback(func(state ConnectionState) {
		statesLock.Lock()
		defer statesLock.Unlock()
		states = append(states, state)
	})
	defer remove()

	err = coordinator.SwitchRoom(ctx, "r2")
	assert.Equal(t, nil, err)

	// strictly sequential leave-then-join
	statesLock.Lock()
	assert.Equal(t, []ConnectionState{
		ConnectionStateDisconnected,
		ConnectionStateReconnecting,
		ConnectionStateConnected,
	}, states)
	statesLock.Unlock()

	assert.Equal(t, "r2", coordinator.RoomId())
	assert.Equal(t, 1, coordinator.Presence().Len())
	_, ok := coordinator.Presence().Participant(userId)
	assert.Equal(t, true, ok)
}

func TestCoordinatorSwitchRoomNoIdentity(t *testing.T) {
	ctx := context.Background()
	coordinator := NewCoordinator(ctx, newMemTransport(), testCoordinatorSettings())
	defer coordinator.Close()

	err := coordinator.SwitchRoom(ctx, "r2")
	assert.Equal(t, ErrNoIdentity, err)
}

func TestCoordinatorBroadcastGatedOnConnected(t *testing.T) {
	ctx := context.Background()
	coordinator := NewCoordinator(ctx, newMemTransport(), testCoordinatorSettings())
	defer coordinator.Close()

	assert.Equal(t, false, coordinator.BroadcastCursor(&Cursor{X: 1, Y: 1}))
	assert.Equal(t, false, coordinator.BroadcastAwareness(AwarenessPayload{"status": "idle"}))

	// the operation still applies locally while disconnected, but with no
	// room membership there is nothing to queue it for
	assert.Equal(t, false, coordinator.BroadcastOperation(NewOperation(OperationTypeAdd, NewId(), nil)))
	assert.Equal(t, 1, coordinator.OperationLog().Len())
	assert.Equal(t, 0, coordinator.UnackedCount())
}

func TestCoordinatorBroadcastOptimistic(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	userId, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	assert.Equal(t, true, coordinator.BroadcastCursor(&Cursor{X: 5, Y: 6}))
	cursor, ok := coordinator.Presence().Cursor(userId)
	assert.Equal(t, true, ok)
	assert.Equal(t, 5.0, cursor.X)

	assert.Equal(t, true, coordinator.BroadcastAwareness(AwarenessPayload{"status": "drawing"}))
	awareness, ok := coordinator.Presence().Awareness(userId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "drawing", awareness["status"])

	operation := NewOperation(OperationTypeAdd, NewId(), nil)
	assert.Equal(t, true, coordinator.BroadcastOperation(operation))
	assert.Equal(t, 1, coordinator.OperationLog().Len())
	assert.Equal(t, 1, coordinator.UnackedCount())

	conn := transport.lastConn()
	assert.Equal(t, 1, len(conn.sentByType(MessageTypeCursor)))
	assert.Equal(t, 1, len(conn.sentByType(MessageTypeAwareness)))
	operationEnvelopes := conn.sentByType(MessageTypeOperation)
	assert.Equal(t, 1, len(operationEnvelopes))

	// the ack clears the unacked tracking
	ackPayload, err := EncodePayload(&AckPayload{
		MessageId: operationEnvelopes[0].MessageId,
		Seq:       1,
	})
	assert.Equal(t, nil, err)
	conn.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeAck,
		RoomId:      "r1",
		Seq:         1,
		Payload:     ackPayload,
	})
	waitFor(t, func() bool {
		return coordinator.UnackedCount() == 0
	})
}

func TestCoordinatorRemoteMessages(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	conn := transport.lastConn()
	remote := testParticipant("remote")

	joinPayload, err := EncodePayload(&JoinPayload{Participant: remote})
	assert.Equal(t, nil, err)
	conn.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeJoin,
		RoomId:      "r1",
		UserId:      remote.UserId,
		Seq:         1,
		Payload:     joinPayload,
	})
	waitFor(t, func() bool {
		return coordinator.Presence().Len() == 2
	})

	// cursor updates arrive in order. The last write wins.
	for i, cursor := range []*Cursor{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}} {
		cursorPayload, err := EncodePayload(&CursorPayload{Cursor: cursor})
		assert.Equal(t, nil, err)
		conn.inject(&Envelope{
			MessageId:   NewId(),
			MessageType: MessageTypeCursor,
			RoomId:      "r1",
			UserId:      remote.UserId,
			Seq:         uint64(2 + i),
			Payload:     cursorPayload,
		})
	}
	waitFor(t, func() bool {
		cursor, ok := coordinator.Presence().Cursor(remote.UserId)
		return ok && cursor.X == 3.0
	})

	// remote operation surfaces through the callback and the event log
	received := make(chan *Operation, 1)
	coordinator.AddRemoteOperationCallback(func(userId Id, operation *Operation) {
		received <- operation
	})
	remoteOperation := NewOperation(OperationTypeUpdate, NewId(), nil)
	operationPayload, err := EncodePayload(&OperationPayload{Operation: remoteOperation})
	assert.Equal(t, nil, err)
	conn.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeOperation,
		RoomId:      "r1",
		UserId:      remote.UserId,
		Seq:         5,
		Payload:     operationPayload,
	})
	select {
	case operation := <-received:
		assert.Equal(t, remoteOperation.OperationId, operation.OperationId)
	case <-time.After(1 * time.Second):
		t.Fatal("remote operation not delivered")
	}
	// remote operations do not enter the local undo history
	assert.Equal(t, 0, coordinator.OperationLog().Len())

	// leave removes the participant and its cursor atomically
	conn.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeLeave,
		RoomId:      "r1",
		UserId:      remote.UserId,
		Seq:         6,
	})
	waitFor(t, func() bool {
		return coordinator.Presence().Len() == 1
	})
	_, ok := coordinator.Presence().Cursor(remote.UserId)
	assert.Equal(t, false, ok)
}

func TestCoordinatorStaleSeqDropped(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	transport.snapshots["r1"] = &SnapshotPayload{Seq: 10}

	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	conn := transport.lastConn()
	remote := testParticipant("remote")
	joinPayload, err := EncodePayload(&JoinPayload{Participant: remote})
	assert.Equal(t, nil, err)

	// stamped before the snapshot was taken. Must be dropped.
	conn.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeJoin,
		RoomId:      "r1",
		UserId:      remote.UserId,
		Seq:         9,
		Payload:     joinPayload,
	})
	// a current one lands
	conn.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeJoin,
		RoomId:      "r1",
		UserId:      remote.UserId,
		Seq:         11,
		Payload:     joinPayload,
	})
	waitFor(t, func() bool {
		return coordinator.Presence().Len() == 2
	})
	// only the current join produced an event beyond the local user-joined
	assert.Equal(t, 2, coordinator.EventLog().Len())
}

func TestCoordinatorStaleConnectionDiscarded(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)
	staleConn := transport.lastConn()

	// a newer connect supersedes the first membership
	err = coordinator.Connect(ctx, "r2", byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, "r2", coordinator.RoomId())

	// a message surfacing on the stale connection must not corrupt the
	// newer session
	remote := testParticipant("remote")
	joinPayload, err := EncodePayload(&JoinPayload{Participant: remote})
	assert.Equal(t, nil, err)
	staleConn.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeJoin,
		RoomId:      "r1",
		UserId:      remote.UserId,
		Seq:         1,
		Payload:     joinPayload,
	})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, coordinator.Presence().Len())
	_, ok := coordinator.Presence().Participant(remote.UserId)
	assert.Equal(t, false, ok)
}

func TestCoordinatorIgnoresOwnLeave(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	userId, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	// a leave for the local user can only be the echo of a stale socket
	// being cleaned up on the hub. It must not strip the local participant.
	transport.lastConn().inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeLeave,
		RoomId:      "r1",
		UserId:      userId,
		Seq:         1,
	})

	time.Sleep(20 * time.Millisecond)
	_, ok := coordinator.Presence().Participant(userId)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, coordinator.Presence().Len())
	assert.Equal(t, ConnectionStateConnected, coordinator.State())
}

func TestCoordinatorRetransmitsUnackedOnReconnect(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	operation := NewOperation(OperationTypeAdd, NewId(), nil)
	assert.Equal(t, true, coordinator.BroadcastOperation(operation))
	conn1 := transport.lastConn()
	sent := conn1.sentByType(MessageTypeOperation)
	assert.Equal(t, 1, len(sent))
	messageId := sent[0].MessageId

	// the connection drops before the ack arrives. The next handshake
	// resends the operation under the same message id so the hub ack
	// still matches.
	conn1.Close()
	waitFor(t, func() bool {
		return 2 <= transport.connCount() && coordinator.State() == ConnectionStateConnected
	})
	conn2 := transport.lastConn()
	waitFor(t, func() bool {
		return 1 <= len(conn2.sentByType(MessageTypeOperation))
	})
	resent := conn2.sentByType(MessageTypeOperation)[0]
	assert.Equal(t, messageId, resent.MessageId)
	assert.Equal(t, 1, coordinator.UnackedCount())

	ackPayload, err := EncodePayload(&AckPayload{
		MessageId: messageId,
		Seq:       1,
	})
	assert.Equal(t, nil, err)
	conn2.inject(&Envelope{
		MessageId:   NewId(),
		MessageType: MessageTypeAck,
		RoomId:      "r1",
		Seq:         1,
		Payload:     ackPayload,
	})
	waitFor(t, func() bool {
		return coordinator.UnackedCount() == 0
	})
}

func TestCoordinatorQueuesOperationsDuringOutage(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)

	// hold the reconnect down long enough to land an edit during the outage
	transport.setFailCount(2)
	transport.lastConn().Close()

	operation := NewOperation(OperationTypeUpdate, NewId(), nil)
	coordinator.BroadcastOperation(operation)
	assert.Equal(t, 1, coordinator.OperationLog().Len())
	assert.Equal(t, 1, coordinator.UnackedCount())

	// once the connection is back the queued edit reaches the wire
	waitFor(t, func() bool {
		return coordinator.State() == ConnectionStateConnected && 2 <= transport.connCount()
	})
	conn := transport.lastConn()
	waitFor(t, func() bool {
		return 1 <= len(conn.sentByType(MessageTypeOperation))
	})
	assert.Equal(t, operation.OperationId, mustDecodeOperation(t, conn.sentByType(MessageTypeOperation)[0]).OperationId)
}

func mustDecodeOperation(t *testing.T, envelope *Envelope) *Operation {
	payload := &OperationPayload{}
	err := envelope.DecodePayload(payload)
	assert.Equal(t, nil, err)
	return payload.Operation
}

func TestCoordinatorConnectionLostReconnects(t *testing.T) {
	ctx := context.Background()
	transport := newMemTransport()
	coordinator := NewCoordinator(ctx, transport, testCoordinatorSettings())
	defer coordinator.Close()

	_, byJwt := testRoomJwt(t, "ada")
	err := coordinator.Connect(ctx, "r1", byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, transport.connCount())

	// the connection drops out from under the live membership
	transport.lastConn().Close()

	waitFor(t, func() bool {
		return 2 <= transport.connCount() && coordinator.State() == ConnectionStateConnected
	})
	assert.Equal(t, "r1", coordinator.RoomId())
	// presence was rebuilt from the new snapshot
	assert.Equal(t, 1, coordinator.Presence().Len())
}
