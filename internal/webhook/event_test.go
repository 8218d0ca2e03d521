package webhook_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/broadcast-pipeline/internal/webhook"
)

const whatsappPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba-1",
    "changes": [
      {
        "field": "messages",
        "value": {
          "metadata": {"phone_number_id": "pn-a"},
          "contacts": [{"wa_id": "15550001", "profile": {"name": "Ann"}}],
          "messages": [{"id": "wamid.in1", "from": "15550001", "type": "text", "timestamp": "1700000000", "text": {"body": "hi"}}],
          "statuses": [
            {"id": "wamid.out1", "status": "delivered", "recipient_id": "15550002", "timestamp": "1700000001"},
            {"id": "wamid.out2", "status": "failed", "recipient_id": "15550003", "timestamp": "1700000002",
             "errors": [{"code": 131026, "title": "Message undeliverable", "details": "Receiver is incapable"}]}
          ]
        }
      },
      {"field": "message_template_status_update", "value": {"event": "APPROVED"}}
    ]
  }]
}`

const pagePayload = `{
  "object": "page",
  "entry": [{
    "id": "page-1",
    "messaging": [
      {"sender": {"id": "psid-1"}, "message": {"text": "hello"}},
      {"sender": {"id": "psid-2"}, "read": {"watermark": 1}}
    ],
    "changes": [
      {"field": "feed", "value": {"item": "comment", "verb": "add", "message": "nice", "from": {"name": "Bo"}}},
      {"field": "feed", "value": {"item": "reaction", "verb": "add"}}
    ]
  }]
}`

func TestClassifyWhatsApp(t *testing.T) {
	events, err := webhook.Classify([]byte(whatsappPayload))
	require.NoError(t, err)
	require.Len(t, events, 4)

	first, ok := events[0].(webhook.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, "wamid.out1", first.MessageID)
	assert.Equal(t, "DELIVERED", first.Status)

	failed := events[1].(webhook.StatusUpdate)
	assert.Equal(t, "FAILED", failed.Status)
	assert.Equal(t, "Message undeliverable (Code: 131026): Receiver is incapable", webhook.FailureReason(failed.Errors))

	msg, ok := events[2].(webhook.InboundMessage)
	require.True(t, ok)
	assert.Equal(t, "wamid.in1", msg.MessageID)
	assert.Equal(t, "Ann", msg.ContactName)
	assert.Equal(t, "pn-a", msg.PhoneNumberID)
	assert.Equal(t, "text", msg.Type)

	other, ok := events[3].(webhook.Other)
	require.True(t, ok)
	assert.Equal(t, "message_template_status_update", other.Field)
	var narrowed struct {
		Entry []struct {
			ID      string            `json:"id"`
			Changes []json.RawMessage `json:"changes"`
		} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(other.Payload, &narrowed))
	require.Len(t, narrowed.Entry, 1)
	assert.Equal(t, "waba-1", narrowed.Entry[0].ID)
	assert.Len(t, narrowed.Entry[0].Changes, 1)
}

func TestClassifyPage(t *testing.T) {
	events, err := webhook.Classify([]byte(pagePayload))
	require.NoError(t, err)

	var messenger, comments, others int
	for _, ev := range events {
		switch e := ev.(type) {
		case webhook.MessengerEvent:
			messenger++
			assert.Equal(t, "page-1", e.PageID)
		case webhook.Comment:
			comments++
		case webhook.Other:
			others++
			assert.Equal(t, "feed", e.Field)
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	assert.Equal(t, 2, messenger)
	assert.Equal(t, 1, comments)
	assert.Equal(t, 1, others)
}

func TestClassifyUnknownObjectAndGarbage(t *testing.T) {
	events, err := webhook.Classify([]byte(`{"object":"instagram","entry":[]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.IsType(t, webhook.Other{}, events[0])

	_, err = webhook.Classify([]byte(`not json`))
	assert.Error(t, err)

	_, err = webhook.Classify([]byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":"oops"}]}]}`))
	assert.Error(t, err)
}

func TestFailureReasonWithoutErrors(t *testing.T) {
	assert.Equal(t, "Unknown Failure (Code: 0)", webhook.FailureReason(nil))
	assert.Equal(t, "Rate limit hit (Code: 130429)",
		webhook.FailureReason([]webhook.StatusError{{Code: 130429, Title: "Rate limit hit"}}))
}

func TestChannel(t *testing.T) {
	phone, page := webhook.Channel([]byte(whatsappPayload))
	assert.Equal(t, "pn-a", phone)
	assert.Empty(t, page)

	phone, page = webhook.Channel([]byte(pagePayload))
	assert.Empty(t, phone)
	assert.Equal(t, "page-1", page)

	phone, page = webhook.Channel([]byte(`{"object":"whatsapp_business_account","entry":[]}`))
	assert.Empty(t, phone)
	assert.Empty(t, page)
}
