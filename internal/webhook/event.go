// Package webhook classifies raw provider callbacks and drains them from the
// event log into tenant-scoped processors.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ObjectWhatsApp = "whatsapp_business_account"
	ObjectPage     = "page"

	fieldMessages = "messages"
	fieldFeed     = "feed"
	itemComment   = "comment"
)

// Event is one classified unit of a webhook payload. The set of
// implementations is closed: StatusUpdate, InboundMessage, Comment,
// MessengerEvent and Other.
type Event interface {
	kind() string
}

// StatusUpdate reports the delivery state of a message we sent.
type StatusUpdate struct {
	MessageID   string
	Status      string
	RecipientID string
	Timestamp   string
	Errors      []StatusError
}

type StatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Details string `json:"details"`
}

// InboundMessage is a message a customer sent to one of the tenant's numbers.
type InboundMessage struct {
	MessageID     string
	From          string
	ContactName   string
	Type          string
	Timestamp     string
	PhoneNumberID string
	Raw           json.RawMessage
}

// Comment is a new comment on the tenant's page feed.
type Comment struct {
	PageID string
	Value  json.RawMessage
}

// MessengerEvent is one entry.messaging item of a page callback.
type MessengerEvent struct {
	PageID string
	Raw    json.RawMessage
}

// Other wraps anything without a dedicated processor, narrowed to a single
// entry and change where the payload has them.
type Other struct {
	Field   string
	Payload json.RawMessage
}

func (StatusUpdate) kind() string   { return "status_update" }
func (InboundMessage) kind() string { return "inbound_message" }
func (Comment) kind() string        { return "comment" }
func (MessengerEvent) kind() string { return "messenger_event" }
func (Other) kind() string          { return "other" }

type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string            `json:"id"`
	Time      json.RawMessage   `json:"time,omitempty"`
	Changes   []change          `json:"changes"`
	Messaging []json.RawMessage `json:"messaging"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type messagesValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []struct {
		ID          string        `json:"id"`
		Status      string        `json:"status"`
		RecipientID string        `json:"recipient_id"`
		Timestamp   string        `json:"timestamp"`
		Errors      []StatusError `json:"errors"`
	} `json:"statuses"`
}

type messageHeader struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type feedValue struct {
	Item string `json:"item"`
}

// Classify splits a raw payload into events. It fails only when the payload
// is not a JSON object or a known object type has a malformed body.
func Classify(raw []byte) ([]Event, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	switch p.Object {
	case ObjectWhatsApp:
		return classifyWhatsApp(p)
	case ObjectPage:
		return classifyPage(p)
	default:
		return []Event{Other{Payload: json.RawMessage(raw)}}, nil
	}
}

func classifyWhatsApp(p payload) ([]Event, error) {
	var out []Event
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if c.Field != fieldMessages {
				other, err := narrow(p.Object, e, c)
				if err != nil {
					return nil, err
				}
				out = append(out, other)
				continue
			}

			var v messagesValue
			if err := json.Unmarshal(c.Value, &v); err != nil {
				return nil, fmt.Errorf("invalid messages change: %w", err)
			}
			for _, s := range v.Statuses {
				if s.ID == "" {
					continue
				}
				out = append(out, StatusUpdate{
					MessageID:   s.ID,
					Status:      strings.ToUpper(s.Status),
					RecipientID: s.RecipientID,
					Timestamp:   s.Timestamp,
					Errors:      s.Errors,
				})
			}
			names := make(map[string]string, len(v.Contacts))
			for _, ct := range v.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range v.Messages {
				var h messageHeader
				if err := json.Unmarshal(m, &h); err != nil {
					return nil, fmt.Errorf("invalid message: %w", err)
				}
				out = append(out, InboundMessage{
					MessageID:     h.ID,
					From:          h.From,
					ContactName:   names[h.From],
					Type:          h.Type,
					Timestamp:     h.Timestamp,
					PhoneNumberID: v.Metadata.PhoneNumberID,
					Raw:           m,
				})
			}
		}
	}
	return out, nil
}

func classifyPage(p payload) ([]Event, error) {
	var out []Event
	for _, e := range p.Entry {
		for _, m := range e.Messaging {
			out = append(out, MessengerEvent{PageID: e.ID, Raw: m})
		}
		for _, c := range e.Changes {
			if c.Field == fieldFeed {
				var v feedValue
				if err := json.Unmarshal(c.Value, &v); err == nil && v.Item == itemComment {
					out = append(out, Comment{PageID: e.ID, Value: c.Value})
					continue
				}
			}
			other, err := narrow(p.Object, e, c)
			if err != nil {
				return nil, err
			}
			out = append(out, other)
		}
	}
	return out, nil
}

// narrow rebuilds a payload that carries only one change of one entry.
func narrow(object string, e entry, c change) (Other, error) {
	single := map[string]any{
		"object": object,
		"entry": []map[string]any{{
			"id":      e.ID,
			"changes": []change{c},
		}},
	}
	if len(e.Time) > 0 {
		single["entry"].([]map[string]any)[0]["time"] = e.Time
	}
	body, err := json.Marshal(single)
	if err != nil {
		return Other{}, fmt.Errorf("encode %s change: %w", c.Field, err)
	}
	return Other{Field: c.Field, Payload: body}, nil
}

// Channel extracts the identifiers used to resolve a payload's tenant: the
// WhatsApp phone number id of the first change, or the page id.
func Channel(raw []byte) (phoneNumberID, pageID string) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || len(p.Entry) == 0 {
		return "", ""
	}
	first := p.Entry[0]
	switch p.Object {
	case ObjectWhatsApp:
		for _, c := range first.Changes {
			var v messagesValue
			if json.Unmarshal(c.Value, &v) == nil && v.Metadata.PhoneNumberID != "" {
				return v.Metadata.PhoneNumberID, ""
			}
		}
	case ObjectPage:
		return "", first.ID
	}
	return "", ""
}
