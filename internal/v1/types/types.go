// Package types holds the shared domain vocabulary for the room
// coordination core: opaque ID types, the client-facing event names,
// and the wire envelope every event travels in. Keeping these in one
// leaf package lets bus, repo, presence, clocksync, playback, vote and
// gateway all speak the same identifiers without importing each other.
package types

import "time"

// RoomID identifies a room. Rooms are addressed by code at the HTTP/WS
// boundary and by ID internally once resolved through the Repository.
type RoomID string

// UserID identifies an authenticated user, as resolved by the Auth
// collaborator from a bearer token.
type UserID string

// ConnectionID identifies a single transport connection. A user may
// hold more than one connection (multiple devices); each gets its own
// ConnectionID and its own RTT/offset tracking.
type ConnectionID string

// VoteSessionID identifies a single DJ-election or mutiny session.
type VoteSessionID string

// TrackID identifies a track being played back. The core never
// interprets this value beyond echoing it in broadcasts.
type TrackID string

// Event is the name of a client-facing inbound or outbound event, per
// spec §6.2.
type Event string

const (
	// Inbound
	EventRoomJoin         Event = "room:join"
	EventRoomLeave        Event = "room:leave"
	EventChatMessage      Event = "chat:message"
	EventSyncPing         Event = "sync:ping"
	EventSyncReport       Event = "sync:report"
	EventPlaybackStart    Event = "playback:start"
	EventPlaybackPause    Event = "playback:pause"
	EventPlaybackStop     Event = "playback:stop"
	EventVoteStartElection Event = "vote:start-election"
	EventVoteCastDJ        Event = "vote:cast-dj"
	EventVoteStartMutiny   Event = "vote:start-mutiny"
	EventVoteCastMutiny    Event = "vote:cast-mutiny"
	EventDJRandomize       Event = "dj:randomize"

	// Outbound
	EventSyncPong         Event = "sync:pong"
	EventRoomState        Event = "room:state"
	EventRoomUserJoined    Event = "room:user-joined"
	EventRoomUserLeft      Event = "room:user-left"
	EventChatBroadcast     Event = "chat:message"
	EventPlaybackSync      Event = "playback:sync"
	EventTrackEnded        Event = "track:ended"
	EventVoteElectionStart Event = "vote:election-started"
	EventVoteMutinyStart   Event = "vote:mutiny-started"
	EventVoteResultsUpdate Event = "vote:results-updated"
	EventVoteComplete      Event = "vote:complete"
	EventVoteLateResult    Event = "vote:late-result"
	EventDJChanged         Event = "dj:changed"
	EventMutinySuccess     Event = "mutiny:success"
	EventMutinyFailed      Event = "mutiny:failed"
	EventError             Event = "error"
)

// Message is the wire envelope for every event sent in either
// direction over the WebSocket connection.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload,omitempty"`
}

// NowMs returns the current server time as unsigned-intent integer
// milliseconds since the Unix epoch, the timestamp unit used
// throughout the wire protocol (spec §6.2).
func NowMs() int64 {
	return time.Now().UnixMilli()
}
