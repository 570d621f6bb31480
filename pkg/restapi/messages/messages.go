/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package messages

const (
	// ErrActorNotFound is used when no actor exists for the identifier in the request path.
	ErrActorNotFound = fedError("specified actor does not exist")
	// ErrObjectNotFound is used when an object dispatcher has nothing to return for the request path.
	ErrObjectNotFound = fedError("specified object does not exist")
	// ErrNotAuthenticated is used when an activity reaches the dispatcher without a verified signer.
	ErrNotAuthenticated = fedError("activity was not authenticated")
	// ErrActorMismatch is used when the verified signer does not own the activity's actor.
	ErrActorMismatch = fedError("signer does not own the activity's actor")
	// ErrMissingActivityID is used when a received activity has no id.
	ErrMissingActivityID = fedError("activity has no id")
	// ErrMissingActivityType is used when a received activity has no type.
	ErrMissingActivityType = fedError("activity has no type")
	// ErrNoKeyPairs is used when an activity is sent without any sender key pair.
	ErrNoKeyPairs = fedError("no key pairs were provided for the sender")
	// ErrNoRecipients is used when an activity is sent to an empty recipient set.
	ErrNoRecipients = fedError("no recipients were provided")

	// FailWriteResponse is logged when a ResponseWriter fails to write.
	FailWriteResponse = ` Failed to write response back to sender: %s.`

	// DebugLogEvent is used for debug log lines that only carry an event description.
	DebugLogEvent = `Event: %s`
	// DebugLogEventWithReceivedData is used for debug log lines that also carry the received payload.
	DebugLogEventWithReceivedData = DebugLogEvent + ` Received data: %s`

	// InboxFailReadRequestBody is used when the incoming request body can't be read.
	InboxFailReadRequestBody = `Received activity for inbox %s, but failed to read the request body: %s.`
	// InboxRequestBodyTooLarge is used when the incoming request body exceeds the size limit.
	InboxRequestBodyTooLarge = `Received activity for inbox %s with a body larger than %d bytes.`
	// InboxReceiveRequest is used when an activity is posted to an inbox.
	InboxReceiveRequest = `Received activity for inbox %s.`
	// InvalidActivity is used when the posted body can't be parsed as an activity.
	InvalidActivity = `Received invalid activity for inbox %s: %s.`
	// MalformedSignature is used when the request signature can't be parsed.
	MalformedSignature = `Received activity for inbox %s with a malformed signature: %s.`
	// UnverifiedSignature is used when the request signature can't be verified.
	UnverifiedSignature = `Failed to verify the signature of an activity for inbox %s: %s.`
	// ActorMismatch is used when the signer doesn't own the activity's actor.
	ActorMismatch = `Activity %s for inbox %s was signed by %s, which does not own actor %s.`
	// InboxDispatchFailure is used when listeners fail to process an activity.
	InboxDispatchFailure = `Failed to process activity %s for inbox %s: %s.`
	// InboxEnqueueFailure is used when an authenticated activity can't be handed to the inbox queue.
	InboxEnqueueFailure = `Failed to enqueue activity %s for inbox %s: %s.`
	// InboxAccepted is used when an activity was accepted for processing.
	InboxAccepted = `Accepted activity %s for inbox %s.`

	// ActorDispatchFailure is used when the actor dispatcher fails.
	ActorDispatchFailure = `Failed to dispatch actor %s: %s.`
	// ObjectDispatchFailure is used when an object dispatcher fails.
	ObjectDispatchFailure = `Failed to dispatch object for route %s: %s.`
	// FailToMarshalDocument is used when a dispatched document can't be serialized.
	// This should not happen during normal operation.
	FailToMarshalDocument = `Failed to marshal document for route %s: %s.`
)

type fedError string

// Error returns the associated federation error message.
// This satisfies the built-in error interface.
func (e fedError) Error() string { return string(e) }
