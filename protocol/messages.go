// Package protocol binds sessions to the network: a websocket handshake, a
// tagged JSON vocabulary for control and telemetry, and untagged binary
// frames for the started stream classes. The wire format is the external
// contract of the server; client and server must agree on the type
// vocabulary, on binary frames carrying no wrapper, and on the initial
// metadata burst preceding any binary frame.
package protocol

import "encoding/json"

// Hello lines exchanged before JSON starts flowing.
const (
	serverHello = "CLIENT DE SERVER server=openwebrxplus"
	clientHello = "SERVER DE CLIENT"
)

// Client-to-server message types.
const (
	TypeConnectionProperties = "connectionproperties"
	TypeDSPControl           = "dspcontrol"
	TypeSetFrequency         = "setfrequency"
	TypeSelectProfile        = "selectprofile"
	TypeSecondaryDSP         = "secondarydsp"
	TypeChat                 = "chat"
	TypePing                 = "ping"
)

// Server-to-client message types.
const (
	TypeConfig          = "config"
	TypeReceiverDetails = "receiver_details"
	TypeProfiles        = "profiles"
	TypeFeatures        = "features"
	TypeSMeter          = "smeter"
	TypeDecoderMessage  = "decoder_message"
	TypeClients         = "clients"
	TypeError           = "error"
	TypeWarning         = "warning"
	TypeProfile         = "profile"
	TypePong            = "pong"
)

// ControlMessage is the client-to-server envelope.
type ControlMessage struct {
	Type   string          `json:"type"`
	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ServerMessage is the tagged server-to-client envelope. Binary frames
// bypass it entirely.
type ServerMessage struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// ConnectionParams is the negotiation payload: which source the client wants
// and what it can handle.
type ConnectionParams struct {
	Source     string `json:"source,omitempty"`
	Profile    string `json:"profile,omitempty"`
	OutputRate int    `json:"output_rate,omitempty"`
}

// DSPParams carries demodulator settings. Pointers distinguish absent from
// zero.
type DSPParams struct {
	Frequency *int64  `json:"frequency,omitempty"`
	Mode      *string `json:"mod,omitempty"`
	Squelch   *int    `json:"squelch_level,omitempty"`
	Secondary *string `json:"secondary_mod,omitempty"`
}

// ProfileParams selects a hardware profile.
type ProfileParams struct {
	Profile string `json:"profile"`
}

// ChatParams carries a chat line relayed to every connected client.
type ChatParams struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ErrorValue is the payload of an error or warning message.
type ErrorValue struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
