package events

type Kind string

// Inbound (server push) kinds.
const (
	KindNewMessage         Kind = "new_message"
	KindUserTyping         Kind = "user_typing"
	KindUserStoppedTyping  Kind = "user_stopped_typing"
	KindUserOnlineStatus   Kind = "user_online_status"
	KindMessagesRead       Kind = "messages_read"
	KindUnreadCountUpdated Kind = "unread_count_updated"
)

// Outbound (client emit) kinds.
const (
	KindSendMessage       Kind = "send_message"
	KindTyping            Kind = "typing"
	KindStopTyping        Kind = "stop_typing"
	KindMarkRead          Kind = "mark_read"
	KindCheckOnlineStatus Kind = "check_online_status"
	KindJoinConversation  Kind = "join_conversation"
	KindLeaveConversation Kind = "leave_conversation"
)

// InboundKinds lists every kind Decode understands.
var InboundKinds = []Kind{
	KindNewMessage,
	KindUserTyping,
	KindUserStoppedTyping,
	KindUserOnlineStatus,
	KindMessagesRead,
	KindUnreadCountUpdated,
}

func (k Kind) String() string { return string(k) }
