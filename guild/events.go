package guild

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventConnected EventType = "connected"

	EventServerUpdated EventType = "server:updated"

	EventMemberJoined  EventType = "member:joined"
	EventMemberLeft    EventType = "member:left"
	EventMemberUpdated EventType = "member:updated"

	EventMessageCreated EventType = "message:created"
	EventMessageUpdated EventType = "message:updated"
	EventMessageDeleted EventType = "message:deleted"

	EventTypingStart EventType = "typing:start"
	EventTypingStop  EventType = "typing:stop"

	EventChannelCreated  EventType = "channel:created"
	EventChannelUpdated  EventType = "channel:updated"
	EventChannelDeleted  EventType = "channel:deleted"
	EventCategoryCreated EventType = "category:created"
	EventCategoryUpdated EventType = "category:updated"
	EventCategoryDeleted EventType = "category:deleted"
)

// event types the entity store applies, in no particular order
var StoreEventTypes = []EventType{
	EventServerUpdated,
	EventMemberJoined,
	EventMemberLeft,
	EventMemberUpdated,
	EventMessageCreated,
	EventMessageUpdated,
	EventMessageDeleted,
	EventTypingStart,
	EventTypingStop,
	EventChannelCreated,
	EventChannelUpdated,
	EventChannelDeleted,
	EventCategoryCreated,
	EventCategoryUpdated,
	EventCategoryDeleted,
}

// wire frame in both directions
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeFrame(eventType EventType, payload any) ([]byte, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&Frame{
		Type:    eventType,
		Payload: payloadBytes,
	})
}

func DecodeFrame(frameBytes []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, malformedEvent("frame: %s", err)
	}
	if frame.Type == "" {
		return nil, malformedEvent("frame has no type")
	}
	return frame, nil
}

// closed set of inbound events. one variant per event type.
type Event interface {
	EventType() EventType
}

type ServerUpdated struct {
	Server Server
}

type MemberJoined struct {
	Member Member
}

type MemberLeft struct {
	MemberId string `json:"memberId"`
}

type MemberUpdated struct {
	Member Member
}

type MessageCreated struct {
	ChannelId string  `json:"channelId"`
	Message   Message `json:"message"`
}

type MessageUpdated struct {
	ChannelId string  `json:"channelId"`
	Message   Message `json:"message"`
}

type MessageDeleted struct {
	ChannelId string `json:"channelId"`
	MessageId string `json:"messageId"`
}

type TypingStart struct {
	ChannelId string `json:"channelId"`
	UserId    string `json:"userId"`
	Username  string `json:"username"`
}

type TypingStop struct {
	ChannelId string `json:"channelId"`
	UserId    string `json:"userId"`
	Username  string `json:"username"`
}

type ChannelCreated struct {
	Channel Channel
}

type ChannelUpdated struct {
	Channel Channel
}

type ChannelDeleted struct {
	ChannelId string `json:"channelId"`
}

type CategoryCreated struct {
	Category Category
}

type CategoryUpdated struct {
	Category Category
}

type CategoryDeleted struct {
	CategoryId string `json:"categoryId"`
}

func (ServerUpdated) EventType() EventType   { return EventServerUpdated }
func (MemberJoined) EventType() EventType    { return EventMemberJoined }
func (MemberLeft) EventType() EventType      { return EventMemberLeft }
func (MemberUpdated) EventType() EventType   { return EventMemberUpdated }
func (MessageCreated) EventType() EventType  { return EventMessageCreated }
func (MessageUpdated) EventType() EventType  { return EventMessageUpdated }
func (MessageDeleted) EventType() EventType  { return EventMessageDeleted }
func (TypingStart) EventType() EventType     { return EventTypingStart }
func (TypingStop) EventType() EventType      { return EventTypingStop }
func (ChannelCreated) EventType() EventType  { return EventChannelCreated }
func (ChannelUpdated) EventType() EventType  { return EventChannelUpdated }
func (ChannelDeleted) EventType() EventType  { return EventChannelDeleted }
func (CategoryCreated) EventType() EventType { return EventCategoryCreated }
func (CategoryUpdated) EventType() EventType { return EventCategoryUpdated }
func (CategoryDeleted) EventType() EventType { return EventCategoryDeleted }

// decodes the payload for the frame type and checks the fields the store needs.
// every failure is ErrMalformedEvent.
func DecodeEvent(frame *Frame) (Event, error) {
	switch frame.Type {
	case EventServerUpdated:
		var server Server
		if err := decodePayload(frame, &server); err != nil {
			return nil, err
		}
		if server.Id == "" {
			return nil, malformedEvent("%s: missing id", frame.Type)
		}
		return ServerUpdated{Server: server}, nil
	case EventMemberJoined, EventMemberUpdated:
		var member Member
		if err := decodePayload(frame, &member); err != nil {
			return nil, err
		}
		if member.Id == "" {
			return nil, malformedEvent("%s: missing id", frame.Type)
		}
		if frame.Type == EventMemberJoined {
			return MemberJoined{Member: member}, nil
		}
		return MemberUpdated{Member: member}, nil
	case EventMemberLeft:
		// either `{"memberId": ...}` or the bare id
		var memberId string
		if err := json.Unmarshal(frame.Payload, &memberId); err != nil {
			var memberLeft MemberLeft
			if err := decodePayload(frame, &memberLeft); err != nil {
				return nil, err
			}
			memberId = memberLeft.MemberId
		}
		if memberId == "" {
			return nil, malformedEvent("%s: missing memberId", frame.Type)
		}
		return MemberLeft{MemberId: memberId}, nil
	case EventMessageCreated, EventMessageUpdated:
		var body struct {
			ChannelId string  `json:"channelId"`
			Message   Message `json:"message"`
		}
		if err := decodePayload(frame, &body); err != nil {
			return nil, err
		}
		if body.ChannelId == "" && body.Message.ChannelId != "" {
			body.ChannelId = body.Message.ChannelId
		}
		if body.ChannelId == "" || body.Message.Id == "" {
			return nil, malformedEvent("%s: missing channelId or message id", frame.Type)
		}
		body.Message.ChannelId = body.ChannelId
		body.Message.State = MessageStateConfirmed
		if frame.Type == EventMessageCreated {
			return MessageCreated{ChannelId: body.ChannelId, Message: body.Message}, nil
		}
		return MessageUpdated{ChannelId: body.ChannelId, Message: body.Message}, nil
	case EventMessageDeleted:
		var messageDeleted MessageDeleted
		if err := decodePayload(frame, &messageDeleted); err != nil {
			return nil, err
		}
		if messageDeleted.ChannelId == "" || messageDeleted.MessageId == "" {
			return nil, malformedEvent("%s: missing channelId or messageId", frame.Type)
		}
		return messageDeleted, nil
	case EventTypingStart, EventTypingStop:
		var typing TypingStart
		if err := decodePayload(frame, &typing); err != nil {
			return nil, err
		}
		if typing.ChannelId == "" || (typing.UserId == "" && typing.Username == "") {
			return nil, malformedEvent("%s: missing channelId or user", frame.Type)
		}
		if frame.Type == EventTypingStart {
			return typing, nil
		}
		return TypingStop(typing), nil
	case EventChannelCreated, EventChannelUpdated:
		var channel Channel
		if err := decodePayload(frame, &channel); err != nil {
			return nil, err
		}
		if channel.Id == "" {
			return nil, malformedEvent("%s: missing id", frame.Type)
		}
		if frame.Type == EventChannelCreated {
			return ChannelCreated{Channel: channel}, nil
		}
		return ChannelUpdated{Channel: channel}, nil
	case EventChannelDeleted:
		var channelDeleted ChannelDeleted
		if err := decodePayload(frame, &channelDeleted); err != nil {
			return nil, err
		}
		if channelDeleted.ChannelId == "" {
			return nil, malformedEvent("%s: missing channelId", frame.Type)
		}
		return channelDeleted, nil
	case EventCategoryCreated, EventCategoryUpdated:
		var category Category
		if err := decodePayload(frame, &category); err != nil {
			return nil, err
		}
		if category.Id == "" {
			return nil, malformedEvent("%s: missing id", frame.Type)
		}
		if frame.Type == EventCategoryCreated {
			return CategoryCreated{Category: category}, nil
		}
		return CategoryUpdated{Category: category}, nil
	case EventCategoryDeleted:
		var categoryDeleted CategoryDeleted
		if err := decodePayload(frame, &categoryDeleted); err != nil {
			return nil, err
		}
		if categoryDeleted.CategoryId == "" {
			return nil, malformedEvent("%s: missing categoryId", frame.Type)
		}
		return categoryDeleted, nil
	default:
		return nil, malformedEvent("unknown event type %s", frame.Type)
	}
}

func decodePayload(frame *Frame, out any) error {
	if len(bytes.TrimSpace(frame.Payload)) == 0 {
		return malformedEvent("%s: empty payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, out); err != nil {
		return malformedEvent("%s: %s", frame.Type, err)
	}
	return nil
}

// inverse of DecodeEvent, used by tests and fake servers
func EventFrame(event Event) ([]byte, error) {
	switch v := event.(type) {
	case ServerUpdated:
		return EncodeFrame(v.EventType(), v.Server)
	case MemberJoined:
		return EncodeFrame(v.EventType(), v.Member)
	case MemberUpdated:
		return EncodeFrame(v.EventType(), v.Member)
	case ChannelCreated:
		return EncodeFrame(v.EventType(), v.Channel)
	case ChannelUpdated:
		return EncodeFrame(v.EventType(), v.Channel)
	case CategoryCreated:
		return EncodeFrame(v.EventType(), v.Category)
	case CategoryUpdated:
		return EncodeFrame(v.EventType(), v.Category)
	case nil:
		return nil, fmt.Errorf("nil event")
	default:
		return EncodeFrame(v.EventType(), v)
	}
}
