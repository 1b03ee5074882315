package collab

// Logging convention in the `collab` package and the room server:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal
//     operation, with the exception of one time (infrequent) initialization data
//     this includes:
//     - handshake failures and reconnect exhaustion
//     - dropped malformed messages
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging
//     this includes:
//     - state transitions tagged with room and user ids
//     - frequent events - e.g. cursor, awareness, operation, ack
//
// Subsystem tags used in messages:
//     [op] operation log
//     [pr] presence registry
//     [ev] event log
//     [co] coordinator / connection state machine
//     [t]  room transport
//     [h]  room server hub
