package napcat

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultCallTimeout bounds every wrapped API call that waits for a reply.
const DefaultCallTimeout = 10 * time.Second

// apiReply is the common envelope of OneBot API replies.
type apiReply struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
}

type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

type GroupMemberInfo struct {
	GroupID  int64  `json:"group_id"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"` // owner, admin, member
}

// SetGroupBan mutes a group member for durationSec seconds. Zero lifts the
// mute.
func (c *Client) SetGroupBan(groupID, userID int64, durationSec int) error {
	_, err := c.Call("set_group_ban", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"duration": durationSec,
	}, DefaultCallTimeout)
	return err
}

// SendGroupMsg sends a plain text group message and waits for the reply.
func (c *Client) SendGroupMsg(groupID int64, text string) error {
	_, err := c.Call("send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  text,
	}, DefaultCallTimeout)
	return err
}

// SendGroupMsgNoWait sends a plain text group message fire-and-forget.
func (c *Client) SendGroupMsgNoWait(groupID int64, text string) error {
	return c.CallNoWait("send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  text,
	})
}

// SendGroupMsgWithAt sends an @-mention followed by text and waits for the
// reply.
func (c *Client) SendGroupMsgWithAt(groupID, userID int64, text string) error {
	_, err := c.Call("send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  atSegments(userID, text),
	}, DefaultCallTimeout)
	return err
}

// SendGroupMsgWithAtNoWait is the fire-and-forget variant, used on the spam
// notice path where waiting under burst load would just pile up timeouts.
func (c *Client) SendGroupMsgWithAtNoWait(groupID, userID int64, text string) error {
	return c.CallNoWait("send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  atSegments(userID, text),
	})
}

// GetGroupMemberInfo fetches one member's info, including their role.
func (c *Client) GetGroupMemberInfo(groupID, userID int64) (*GroupMemberInfo, error) {
	raw, err := c.Call("get_group_member_info", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
	}, DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	var info GroupMemberInfo
	if err := decodeReplyData(raw, &info); err != nil {
		return nil, fmt.Errorf("get_group_member_info: %w", err)
	}
	return &info, nil
}

// GetLoginInfo returns the account the bridge is logged in as.
func (c *Client) GetLoginInfo() (*LoginInfo, error) {
	raw, err := c.Call("get_login_info", nil, DefaultCallTimeout)
	if err != nil {
		return nil, err
	}
	var info LoginInfo
	if err := decodeReplyData(raw, &info); err != nil {
		return nil, fmt.Errorf("get_login_info: %w", err)
	}
	return &info, nil
}

func decodeReplyData(raw json.RawMessage, v any) error {
	var reply apiReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Retcode != 0 {
		return fmt.Errorf("retcode %d (status %s)", reply.Retcode, reply.Status)
	}
	if len(reply.Data) == 0 {
		return fmt.Errorf("reply has no data")
	}
	return json.Unmarshal(reply.Data, v)
}
