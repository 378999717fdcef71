package bus

import (
	"encoding/json"
	"fmt"
)

// Type names a cross-tab message variant.
type Type string

const (
	TypeLogin             Type = "LOGIN"
	TypeLogout            Type = "LOGOUT"
	TypeTokenRefreshed    Type = "TOKEN_REFRESHED"
	TypeAuthCheckRequest  Type = "AUTH_CHECK_REQUEST"
	TypeAuthCheckResponse Type = "AUTH_CHECK_RESPONSE"
)

// Known reports whether t is part of the message vocabulary.
func (t Type) Known() bool {
	switch t {
	case TypeLogin, TypeLogout, TypeTokenRefreshed, TypeAuthCheckRequest, TypeAuthCheckResponse:
		return true
	}
	return false
}

// Message is the wire envelope: {"type": string, "payload": object}.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TokenPayload is carried by LOGIN and TOKEN_REFRESHED.
type TokenPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthCheckPayload is carried by AUTH_CHECK_RESPONSE.
type AuthCheckPayload struct {
	IsAuthenticated bool `json:"isAuthenticated"`
}

var emptyPayload = json.RawMessage(`{}`)

func newMessage(t Type, payload interface{}) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload types are fixed structs; marshaling them cannot fail.
		panic(fmt.Sprintf("bus: encode %s payload: %v", t, err))
	}
	return Message{Type: t, Payload: data}
}

// Login announces a local login.
func Login(accessToken, refreshToken string) Message {
	return newMessage(TypeLogin, TokenPayload{AccessToken: accessToken, RefreshToken: refreshToken})
}

// Logout announces a local logout.
func Logout() Message {
	return Message{Type: TypeLogout, Payload: emptyPayload}
}

// TokenRefreshed announces a new token pair.
func TokenRefreshed(accessToken, refreshToken string) Message {
	return newMessage(TypeTokenRefreshed, TokenPayload{AccessToken: accessToken, RefreshToken: refreshToken})
}

// AuthCheckRequest asks sibling tabs for their auth status.
func AuthCheckRequest() Message {
	return Message{Type: TypeAuthCheckRequest, Payload: emptyPayload}
}

// AuthCheckResponse answers an AUTH_CHECK_REQUEST.
func AuthCheckResponse(isAuthenticated bool) Message {
	return newMessage(TypeAuthCheckResponse, AuthCheckPayload{IsAuthenticated: isAuthenticated})
}

// Token decodes a LOGIN or TOKEN_REFRESHED payload.
func (m Message) Token() (TokenPayload, error) {
	var p TokenPayload
	if err := m.decode(&p); err != nil {
		return p, err
	}
	return p, nil
}

// AuthCheck decodes an AUTH_CHECK_RESPONSE payload.
func (m Message) AuthCheck() (AuthCheckPayload, error) {
	var p AuthCheckPayload
	if err := m.decode(&p); err != nil {
		return p, err
	}
	return p, nil
}

func (m Message) decode(target interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	if len(m.Payload) == 0 {
		m.Payload = emptyPayload
	}
	return json.Marshal(m)
}

// Decode parses a wire frame. Unknown types decode successfully; callers
// decide whether to ignore them.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return m, nil
}
