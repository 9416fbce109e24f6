package domain

// Role selects which half of a credential set a session uses.
type Role int

const (
	RolePublish Role = iota
	RoleSubscribe
)

func (r Role) String() string {
	if r == RolePublish {
		return "publish"
	}
	return "subscribe"
}

// Credentials identify an account and the director endpoint for one role.
// They are immutable once built.
type Credentials struct {
	AccountID   string
	EndpointURL string
	Token       string
}

// CredentialSet holds both roles' endpoints as configured by the user.
type CredentialSet struct {
	AccountID      string
	PublishURL     string
	PublishToken   string
	SubscribeURL   string
	SubscribeToken string
}

// ForRole picks the url/token pair for role.
func (s CredentialSet) ForRole(role Role) Credentials {
	if role == RoleSubscribe {
		return Credentials{AccountID: s.AccountID, EndpointURL: s.SubscribeURL, Token: s.SubscribeToken}
	}
	return Credentials{AccountID: s.AccountID, EndpointURL: s.PublishURL, Token: s.PublishToken}
}

// Connection holds the signaling endpoint and relay servers returned by the director.
type Connection struct {
	SignalingURL   string
	SignalingToken string
	ICEServers     []ICEServer
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
