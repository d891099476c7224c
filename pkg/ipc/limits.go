package ipc

const (
	maxEventStreamClients = 128

	maxWSReadBytesSession     = 64 << 10
	maxWSReadBytesEventStream = 4 << 10

	// maxCloseReasonBytes is the websocket limit on close frame text.
	maxCloseReasonBytes = 123
)
