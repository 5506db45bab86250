package interfaces

// MessageType enumerates request kinds exchanged between
// nodes and hubs.
type MessageType int // A

const ( // A
	MessageTypeHello MessageType = iota + 1
	MessageTypeQuery
	MessageTypeAnnounceEdition
	MessageTypeSubscribe
	MessageTypeUnsubscribe
	MessageTypeFetch
)

// String names the message type for logs.
func (t MessageType) String() string { // A
	switch t {
	case MessageTypeHello:
		return "hello"
	case MessageTypeQuery:
		return "query"
	case MessageTypeAnnounceEdition:
		return "announce-edition"
	case MessageTypeSubscribe:
		return "subscribe"
	case MessageTypeUnsubscribe:
		return "unsubscribe"
	case MessageTypeFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// Message is the request envelope written on a stream.
type Message struct { // A
	Type    MessageType
	Payload []byte
}

// Response is one answer frame. A stream may carry several
// frames when the answer is streamed.
type Response struct { // A
	Payload  []byte
	Error    error
	Metadata map[string]string
}
