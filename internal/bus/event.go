package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The segment before the first dot is the namespace.
const (
	KindStatusChanged = "session.status_changed"
	KindIdentity      = "session.identity"

	KindMessageAppended   = "message.appended"
	KindMessageReconciled = "message.reconciled"
	KindMessageRemoved    = "message.removed"
	KindHistoryMerged     = "message.history_merged"

	KindConversationSelected = "conversation.selected"

	KindContactAdded   = "contact.added"
	KindContactUpdated = "contact.updated"
	KindPresenceRoster = "contact.presence_roster"

	KindCallPhase = "call.phase_changed"

	KindNoticeSendFailed  = "notice.send_failed"
	KindNoticeFetchFailed = "notice.fetch_failed"
	KindNoticeCallOffline = "notice.call_offline"
	KindNoticeCallBlocked = "notice.call_blocked"
	KindNoticeContact     = "notice.contact"
	KindNoticeProfile     = "notice.profile"
)

// Notice is the payload of notice.* events: a one-shot user-visible message.
type Notice struct {
	Text string
	Peer string
	Err  string
}
