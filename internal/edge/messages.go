package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// Page -> worker message types.
const (
	MsgSendPushNotification = "SEND_PUSH_NOTIFICATION"
	MsgShowNotification     = "SHOW_NOTIFICATION"
	MsgProductAdded         = "PRODUCT_ADDED"
	MsgNewPromotion         = "NEW_PROMOTION"
	MsgClearCache           = "CLEAR_CACHE"
	MsgSendNotification     = "SEND_NOTIFICATION"
	MsgCheckSyncNow         = "CHECK_SYNC_NOW"
)

// Message is one decoded page -> worker message. The concrete types below
// are the only implementations.
type Message interface {
	Type() string
}

type SendPushNotification struct{ Payload NotificationInput }

type ShowNotification struct{ Data NotificationInput }

// Announcement carries the optional fields of PRODUCT_ADDED and NEW_PROMOTION.
type Announcement struct {
	Body string `json:"body"`
	URL  string `json:"url"`
}

type ProductAdded struct{ Announcement }

type NewPromotion struct{ Announcement }

type ClearCache struct{}

type SendNotification struct {
	Title   string
	Options NotificationInput
}

type CheckSyncNow struct{}

func (SendPushNotification) Type() string { return MsgSendPushNotification }
func (ShowNotification) Type() string     { return MsgShowNotification }
func (ProductAdded) Type() string         { return MsgProductAdded }
func (NewPromotion) Type() string         { return MsgNewPromotion }
func (ClearCache) Type() string           { return MsgClearCache }
func (SendNotification) Type() string     { return MsgSendNotification }
func (CheckSyncNow) Type() string         { return MsgCheckSyncNow }

type messageEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
	Title   string          `json:"title"`
	Options json.RawMessage `json:"options"`
}

// DecodeMessage validates a page message and returns its typed form.
func DecodeMessage(b []byte) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch strings.TrimSpace(env.Type) {
	case MsgSendPushNotification:
		var in NotificationInput
		if err := decodeRequiredObject(env.Payload, &in); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, env.Type, err)
		}
		return SendPushNotification{Payload: in}, nil

	case MsgShowNotification:
		var in NotificationInput
		if err := decodeRequiredObject(env.Data, &in); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrInvalidMessage, env.Type, err)
		}
		return ShowNotification{Data: in}, nil

	case MsgProductAdded, MsgNewPromotion:
		var a Announcement
		if err := decodeOptionalObject(env.Data, &a); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrInvalidMessage, env.Type, err)
		}
		if env.Type == MsgProductAdded {
			return ProductAdded{a}, nil
		}
		return NewPromotion{a}, nil

	case MsgClearCache:
		return ClearCache{}, nil

	case MsgSendNotification:
		var in NotificationInput
		if err := decodeOptionalObject(env.Options, &in); err != nil {
			return nil, fmt.Errorf("%w: %s options: %v", ErrInvalidMessage, env.Type, err)
		}
		return SendNotification{Title: env.Title, Options: in}, nil

	case MsgCheckSyncNow:
		return CheckSyncNow{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodeRequiredObject(raw json.RawMessage, v any) error {
	if isAbsent(raw) {
		return errors.New("required")
	}
	return decodeOptionalObject(raw, v)
}

func decodeOptionalObject(raw json.RawMessage, v any) error {
	if isAbsent(raw) {
		return nil
	}
	if raw[0] != '{' {
		return errors.New("must be an object")
	}
	return json.Unmarshal(raw, v)
}

func isAbsent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// PushSubscription is the browser's push endpoint and keys.
type PushSubscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
	Keys           struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubscriptionChange is delivered when the push service rotates a subscription.
type SubscriptionChange struct {
	Old *PushSubscription `json:"oldSubscription,omitempty"`
	New *PushSubscription `json:"newSubscription,omitempty"`
}
