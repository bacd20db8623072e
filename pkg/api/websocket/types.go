package websocket

// TopicTxs is the only subscription topic: transactions touching an address
const TopicTxs = "txs"

// Message types sent by clients
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Message types sent by the server
const (
	TypePong  = "pong"
	TypeError = "error"
)

// Request is a client message
type Request struct {
	Type           string            `json:"type"`
	SubscriptionID string            `json:"subscriptionId"`
	Data           *SubscriptionData `json:"data,omitempty"`
}

// SubscriptionData holds the topic and addresses of a (un)subscribe request
type SubscriptionData struct {
	Topic     string   `json:"topic"`
	Addresses []string `json:"addresses"`
}

// ErrorMessage reports a rejected request; the connection stays open
type ErrorMessage struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Type           string `json:"type"`
	Message        string `json:"message"`
}

// Pong answers a ping
type Pong struct {
	Type string `json:"type"`
}
