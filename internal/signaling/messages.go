package signaling

import (
	"bytes"
	"encoding/json"
)

// Wire type discriminators.
const (
	TypeLogin       = "login"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "candidate"
	TypeLeave       = "leave"
	TypeConnect     = "connect"
	TypeUpdateUsers = "updateUsers"
	TypeRemoveUser  = "removeUser"
	TypeError       = "error"
)

const (
	loginUnavailableMessage = "Username is unavailable"
	commandNotFoundPrefix   = "Command not found: "
)

// inbound is one decoded client message. The set of implementations is
// closed; see decodeInbound.
type inbound interface {
	inboundType() string
}

type loginRequest struct {
	Name string
}

type offerRequest struct {
	Target string
	Offer  json.RawMessage
}

type answerRequest struct {
	Target string
	Answer json.RawMessage
}

type candidateRequest struct {
	Target    string
	Candidate json.RawMessage
}

type leaveRequest struct {
	Target string
}

// unknownRequest covers unrecognized types and undecodable input, for which
// Type is empty.
type unknownRequest struct {
	Type string
}

func (loginRequest) inboundType() string     { return TypeLogin }
func (offerRequest) inboundType() string     { return TypeOffer }
func (answerRequest) inboundType() string    { return TypeAnswer }
func (candidateRequest) inboundType() string { return TypeCandidate }
func (leaveRequest) inboundType() string     { return TypeLeave }
func (u unknownRequest) inboundType() string { return u.Type }

type wireEnvelope struct {
	Type      json.RawMessage `json:"type"`
	Name      json.RawMessage `json:"name"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
}

// decodeInbound never fails: anything that is not a JSON object with a string
// "type" becomes an unknownRequest. A non-string "name" reads as "".
func decodeInbound(data []byte) inbound {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return unknownRequest{}
	}

	name := jsonString(env.Name)
	switch typ := jsonString(env.Type); typ {
	case TypeLogin:
		return loginRequest{Name: name}
	case TypeOffer:
		return offerRequest{Target: name, Offer: env.Offer}
	case TypeAnswer:
		return answerRequest{Target: name, Answer: env.Answer}
	case TypeCandidate:
		return candidateRequest{Target: name, Candidate: env.Candidate}
	case TypeLeave:
		return leaveRequest{Target: name}
	default:
		return unknownRequest{Type: typ}
	}
}

func jsonString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

type userRef struct {
	UserName string `json:"userName"`
}

type connectMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type loginSuccessMessage struct {
	Type    string    `json:"type"`
	Success bool      `json:"success"`
	Users   []userRef `json:"users"`
}

type loginFailureMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type userEventMessage struct {
	Type string  `json:"type"`
	User userRef `json:"user"`
}

type leaveMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newLoginSuccess(names []string) loginSuccessMessage {
	users := make([]userRef, 0, len(names))
	for _, n := range names {
		users = append(users, userRef{UserName: n})
	}
	return loginSuccessMessage{Type: TypeLogin, Success: true, Users: users}
}

// encode marshals an outbound message without HTML escaping so names and
// greetings round-trip unchanged.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// encodeRelay assembles a relayed offer/answer/candidate frame by hand.
// encoding/json compacts RawMessage values; splicing keeps the sender's
// bytes exactly. A missing payload is omitted, like any absent field.
func encodeRelay(typ, field string, payload json.RawMessage, sender *string) ([]byte, error) {
	typJSON, err := encode(typ)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typJSON)
	if len(payload) > 0 {
		buf.WriteString(`,"` + field + `":`)
		buf.Write(payload)
	}
	if sender != nil {
		nameJSON, err := encode(*sender)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"name":`)
		buf.Write(nameJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
