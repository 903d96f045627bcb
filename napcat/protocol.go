package napcat

import "encoding/json"

// apiRequest is the OneBot wire format for outgoing calls.
// Echo is omitted for fire-and-forget requests.
type apiRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// framePeek is the type-peek for incoming frames. A frame is an API reply
// iff it carries an echo and at least one of status/retcode; anything with
// post_type "meta_event" is a heartbeat or lifecycle frame.
type framePeek struct {
	Echo    *string `json:"echo"`
	Status  *string `json:"status"`
	Retcode *int    `json:"retcode"`
}

// Event is a pushed event from the bridge. Only the fields the bot routes
// on are decoded; Raw keeps the full frame for handlers that need more.
type Event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	NoticeType  string `json:"notice_type"`
	SubType     string `json:"sub_type"`
	GroupID     int64  `json:"group_id"`
	UserID      int64  `json:"user_id"`
	OperatorID  int64  `json:"operator_id"`
	Duration    int64  `json:"duration"`
	RawMessage  string `json:"raw_message"`

	Raw json.RawMessage `json:"-"`
}

// Handler processes one pushed event. Errors are logged by the dispatch
// loop and never affect other handlers or the receive loop.
type Handler func(ev Event) error

// segment is one element of an OneBot message-segment array.
type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func atSegments(userID int64, text string) []segment {
	return []segment{
		{Type: "at", Data: map[string]any{"qq": formatID(userID)}},
		{Type: "text", Data: map[string]any{"text": " " + text}},
	}
}
