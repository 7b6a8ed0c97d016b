// Package protocol defines the JSON control messages exchanged over the
// TCP control connection.
package protocol

// Message types used by the control protocol.
const (
	TypeRegister        = "register"
	TypeRegisterSuccess = "register_success"
	TypeLogin           = "login"
	TypeLoginSuccess    = "login_success"
	TypeJoinChannel     = "join_channel"
	TypeJoinSuccess     = "join_success"
	TypeLeaveChannel    = "leave_channel"
	TypeLeaveSuccess    = "leave_success"
	TypeGetChannels     = "get_channels"
	TypeChannelList     = "channel_list"
	TypeUserList        = "user_list"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeError           = "error"
)

// Error texts carried in the message field of TypeError replies. Clients
// match on these strings, so they are part of the wire contract.
const (
	ErrorRegistrationFailed = "Registration failed - user may already exist"
	ErrorAuthFailed         = "Authentication failed"
	ErrorAuthRequired       = "Authentication required"
)

// Message is the JSON control envelope exchanged over the TCP control
// connection. One frame is one compact JSON object followed by a newline.
type Message struct {
	Type         string        `json:"type"`
	Username     string        `json:"username,omitempty"`
	PasswordHash string        `json:"password_hash,omitempty"`
	UDPIP        string        `json:"udp_ip,omitempty"`
	UDPPort      int           `json:"udp_port,omitempty"`
	VoicePort    int           `json:"voice_port,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	SessionKey   string        `json:"session_key,omitempty"`
	Channel      string        `json:"channel,omitempty"`
	ChannelKey   string        `json:"channel_key,omitempty"`
	Users        []string      `json:"users,omitempty"`
	Channels     []ChannelInfo `json:"channels,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// ChannelInfo is one entry of a channel_list reply. UserCount is always
// serialized so an idle channel still reports zero members.
type ChannelInfo struct {
	Name      string `json:"name"`
	UserCount int    `json:"user_count"`
}
