package events

const (
	TopicConnectionStatus  = "connection.status"
	TopicConnectionRemoved = "connection.removed"
	TopicDecodeError       = "decode.error"
	TopicCommandUpdate     = "command.update"
	TopicSubscriberStalled = "subscriber.stalled"
	TopicLoggerFailure     = "logger.failure"
	TopicLoggerSegment     = "logger.segment"
)
