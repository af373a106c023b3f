package transport

import "github.com/jwebster45206/bazaar-engine/pkg/protocol"

// Handler receives decoded server messages and connection events. Nil fields
// are skipped.
type Handler struct {
	OnWorldState   func(protocol.WorldState)
	OnActionResult func(protocol.ActionResult)
	OnReasoning    func(protocol.Reasoning)
	OnError        func(protocol.Error)
	OnNPCAudio     func(protocol.NPCAudio)
	OnTranscript   func(protocol.Transcript)
	OnPong         func()

	// OnStatus fires when the socket opens or closes.
	OnStatus func(connected bool, sessionID string)
	// OnTransportError receives *ConnectionError and *SessionCreateError values.
	OnTransportError func(error)
}

// HandleAll routes every server message to fn.
func HandleAll(fn func(protocol.ServerMessage)) Handler {
	return Handler{
		OnWorldState:   func(m protocol.WorldState) { fn(m) },
		OnActionResult: func(m protocol.ActionResult) { fn(m) },
		OnReasoning:    func(m protocol.Reasoning) { fn(m) },
		OnError:        func(m protocol.Error) { fn(m) },
		OnNPCAudio:     func(m protocol.NPCAudio) { fn(m) },
		OnTranscript:   func(m protocol.Transcript) { fn(m) },
		OnPong:         func() { fn(protocol.Pong{}) },
	}
}

func (h Handler) dispatch(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.WorldState:
		if h.OnWorldState != nil {
			h.OnWorldState(m)
		}
	case protocol.ActionResult:
		if h.OnActionResult != nil {
			h.OnActionResult(m)
		}
	case protocol.Reasoning:
		if h.OnReasoning != nil {
			h.OnReasoning(m)
		}
	case protocol.Error:
		if h.OnError != nil {
			h.OnError(m)
		}
	case protocol.NPCAudio:
		if h.OnNPCAudio != nil {
			h.OnNPCAudio(m)
		}
	case protocol.Transcript:
		if h.OnTranscript != nil {
			h.OnTranscript(m)
		}
	case protocol.Pong:
		if h.OnPong != nil {
			h.OnPong()
		}
	case protocol.UnknownServerMessage:
		// newer server; nothing to do
	}
}

func (h Handler) status(connected bool, sessionID string) {
	if h.OnStatus != nil {
		h.OnStatus(connected, sessionID)
	}
}

func (h Handler) transportError(err error) {
	if h.OnTransportError != nil {
		h.OnTransportError(err)
	}
}
