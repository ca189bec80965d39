package gateway

import "encoding/json"

// Wire frames. One JSON value per line in both directions.
//
//	{"type":"req","id":"...","method":"...","params":{...}}
//	{"type":"res","id":"...","ok":true,"payload":{...}}
//	{"type":"res","id":"...","ok":false,"error":{"message":"..."}}
//	{"type":"event",...}            ignored at this layer
type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type responseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type frameError struct {
	Message string `json:"message,omitempty"`
}

// connectParams is the handshake payload sent as the first request on every
// connection.
type connectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      connectClient  `json:"client"`
	Caps        []string       `json:"caps"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Auth        *connectAuth   `json:"auth,omitempty"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

func buildConnectParams(token, password string) connectParams {
	p := connectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client: connectClient{
			ID:       "taskpilot",
			Version:  "1",
			Platform: "server",
			Mode:     "backend",
		},
		Caps:   []string{},
		Role:   "operator",
		Scopes: []string{"operator.admin", "operator.approvals", "operator.pairing"},
	}
	if token != "" || password != "" {
		p.Auth = &connectAuth{Token: token, Password: password}
	}
	return p
}
