package connectors

const (
	TopicConnStatus    = "conn.status"
	TopicRoomEvent     = "room.event"
	TopicMessageStatus = "message.status"
	TopicRawFrameIn    = "raw.frame.in"
	TopicRawFrameOut   = "raw.frame.out"
)
