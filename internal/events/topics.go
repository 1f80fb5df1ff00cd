package events

const (
	TopicCartUpdated  = "cart.updated"
	TopicCartCleared  = "cart.cleared"
	TopicCartFailed   = "cart.failed"
	TopicSessionStart = "session.started"
	TopicSessionEnd   = "session.ended"
)
