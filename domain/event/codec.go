package event

import (
	"chat-sync/domain/topic"
	"chat-sync/errors"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Envelope is the frame exchanged over the wire.
type Envelope struct {
	Topic topic.Topic     `json:"topic"`
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Validate checks an event before it is applied or published.
func Validate(evt Event) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", errors.ErrMalformedEvent)
	}
	if err := validate.Struct(evt); err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrMalformedEvent, evt.Name(), err)
	}
	return nil
}

func Encode(t topic.Topic, evt Event) ([]byte, error) {
	if err := Validate(evt); err != nil {
		return nil, err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s failed: %w", evt.Name(), err)
	}
	return json.Marshal(Envelope{Topic: t, Event: evt.Name(), Data: data})
}

// Decode reads a frame and returns its topic and validated event.
func Decode(raw []byte) (topic.Topic, Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errors.ErrMalformedEvent, err)
	}
	evt, err := Parse(envelope.Event, envelope.Data)
	if err != nil {
		return envelope.Topic, nil, err
	}
	return envelope.Topic, evt, nil
}

// Parse builds the variant matching name from its JSON payload.
func Parse(name Name, data []byte) (Event, error) {
	var evt Event
	var err error
	switch name {
	case ConversationNewName:
		evt, err = unmarshal[ConversationCreated](data)
	case ConversationUpdateName:
		evt, err = unmarshal[ConversationUpdated](data)
	case ConversationDeleteName:
		evt, err = unmarshal[ConversationDeleted](data)
	case MessageNewName:
		evt, err = unmarshal[MessageCreated](data)
	case MessageUpdateName:
		evt, err = unmarshal[MessageUpdated](data)
	case PresenceSubscribedName:
		evt, err = unmarshal[PresenceSubscribed](data)
	case MemberAddedName:
		evt, err = unmarshal[MemberAdded](data)
	case MemberRemovedName:
		evt, err = unmarshal[MemberRemoved](data)
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownEvent, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrMalformedEvent, name, err)
	}
	if err = Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func unmarshal[T Event](data []byte) (Event, error) {
	var evt T
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return evt, nil
}
