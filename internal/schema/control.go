package schema

// Vendor control channel. The feed socket carries binary tick frames plus a
// JSON control channel for subscribe/unsubscribe and error replies, and a
// text ping/pong heartbeat.

// VendorAction selects between subscribe and unsubscribe on the vendor wire.
type VendorAction int

const (
	// VendorActionUnsubscribe removes tokens from the vendor subscription.
	VendorActionUnsubscribe VendorAction = 0
	// VendorActionSubscribe adds tokens to the vendor subscription.
	VendorActionSubscribe VendorAction = 1
)

// VendorTokenList groups vendor tokens under one exchange type segment.
type VendorTokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// VendorParams is the payload of a vendor control request. The vendor
// protocol carries exactly one mode per request.
type VendorParams struct {
	Mode      int               `json:"mode"`
	TokenList []VendorTokenList `json:"tokenList"`
}

// VendorRequest is a vendor control frame.
type VendorRequest struct {
	CorrelationID string       `json:"correlationID,omitempty"`
	Action        VendorAction `json:"action"`
	Params        VendorParams `json:"params"`
}

// VendorError is the vendor's JSON error reply on the control channel.
type VendorError struct {
	CorrelationID string `json:"correlationID,omitempty"`
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
}

// Downstream client protocol. Clients speak JSON over a persistent websocket.

// Client actions.
const (
	ClientActionSubscribe   = "subscribe"
	ClientActionUnsubscribe = "unsubscribe"
)

// Server-to-client frame types.
const (
	MessageTypeMarketData     = "market_data"
	MessageTypeSubscription   = "subscription"
	MessageTypeUnsubscription = "unsubscription"
	MessageTypeError          = "error"
)

// ClientRequest is a control message from a downstream client.
type ClientRequest struct {
	Action   string `json:"action"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Mode     string `json:"mode,omitempty"`
}

// MarketDataMessage delivers one tick to a downstream client.
type MarketDataMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  *Tick  `json:"data"`
}

// AckMessage acknowledges a subscribe or unsubscribe action.
type AckMessage struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Mode     string `json:"mode,omitempty"`
}

// ErrorMessage reports a per-request failure to one client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
