package preview

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType enumerates the commands exchanged between the editor panel and the sandbox.
type MessageType string

const (
	MessageSelectElement    MessageType = "SELECT_ELEMENT"
	MessageElementSelected  MessageType = "ELEMENT_SELECTED"
	MessageUpdateElement    MessageType = "UPDATE_ELEMENT"
	MessageClearSelection   MessageType = "CLEAR_SELECTION_REQUEST"
	MessageSelectionCleared MessageType = "SELECTION_CLEARED"
	MessageGetCode          MessageType = "GET_CODE"
	MessageCode             MessageType = "CODE"
)

var (
	// ErrUnknownMessage is returned for message types the session does not handle.
	ErrUnknownMessage = errors.New("preview: unknown message type")
	ErrInvalidPayload = errors.New("preview: invalid message payload")
)

// Message is one typed command on the editor channel.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SelectPayload targets an element by CSS selector.
type SelectPayload struct {
	Selector string `json:"selector"`
}

// CodePayload carries the serialized document.
type CodePayload struct {
	Code string `json:"code"`
}

// Session holds one document being edited and answers editor messages against it.
type Session struct {
	document *Document
}

// NewSession parses code into an editing session.
func NewSession(code string) (*Session, error) {
	document, err := Parse(code)
	if err != nil {
		return nil, err
	}
	return &Session{document: document}, nil
}

// Handle applies msg to the session document and returns the reply message.
func (s *Session) Handle(msg Message) (Message, error) {
	switch msg.Type {
	case MessageSelectElement:
		var payload SelectPayload
		if err := decodePayload(msg.Payload, &payload); err != nil {
			return Message{}, err
		}
		snapshot, err := s.document.Select(payload.Selector)
		if err != nil {
			return Message{}, err
		}
		return newMessage(MessageElementSelected, snapshot)
	case MessageUpdateElement:
		var patch ElementPatch
		if err := decodePayload(msg.Payload, &patch); err != nil {
			return Message{}, err
		}
		snapshot, err := s.document.Apply(patch)
		if err != nil {
			return Message{}, err
		}
		return newMessage(MessageElementSelected, snapshot)
	case MessageClearSelection:
		s.document.ClearSelection()
		return Message{Type: MessageSelectionCleared}, nil
	case MessageGetCode:
		code, err := s.document.Code()
		if err != nil {
			return Message{}, err
		}
		return newMessage(MessageCode, CodePayload{Code: code})
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
}

// Code serializes the session document without editor artifacts.
func (s *Session) Code() (string, error) {
	return s.document.Code()
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload required", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func newMessage(messageType MessageType, payload any) (Message, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("preview: encode payload: %w", err)
	}
	return Message{Type: messageType, Payload: encoded}, nil
}
