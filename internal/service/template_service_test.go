package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/service"
)

func templateJob() *model.Broadcast {
	return &model.Broadcast{
		ID:            "b1",
		TemplateName:  "order_update",
		Language:      "en_GB",
		PhoneNumberID: "pn-1",
		AccessToken:   "tok",
		HeaderMediaID: "media-9",
		Components: json.RawMessage(`[
			{"type":"HEADER","format":"IMAGE"},
			{"type":"BODY","text":"Hi {{2}}, order {{1}} ships {{2}} via {{3}}"}
		]`),
		VariableMappings: []model.VariableMapping{{Var: "1", Value: "order"}, {Var: "2", Value: "name"}},
	}
}

func TestRenderTemplate(t *testing.T) {
	out := service.RenderTemplate("Hello {{ name }}, your code is {{code}} {{missing}}", map[string]string{"name": "Ann", "code": "42"})
	assert.Equal(t, "Hello Ann, your code is 42 {{missing}}", out)
}

func TestBuildTemplateMessage(t *testing.T) {
	contact := &model.BroadcastContact{
		Phone:     "+254700000001",
		Variables: map[string]string{"order": "A-1", "name": "Ann", "variable3": "DHL"},
	}

	msg, err := service.BuildTemplateMessage(templateJob(), contact)
	require.NoError(t, err)

	assert.Equal(t, "whatsapp", msg.MessagingProduct)
	assert.Equal(t, "+254700000001", msg.To)
	assert.Equal(t, "order_update", msg.Template.Name)
	assert.Equal(t, "en_GB", msg.Template.Language.Code)
	require.Len(t, msg.Template.Components, 2)

	header := msg.Template.Components[0]
	assert.Equal(t, "header", header.Type)
	require.NotNil(t, header.Parameters[0].Image)
	assert.Equal(t, "media-9", header.Parameters[0].Image.ID)

	body := msg.Template.Components[1]
	assert.Equal(t, "body", body.Type)
	var texts []string
	for _, p := range body.Parameters {
		texts = append(texts, p.Text)
	}
	assert.Equal(t, []string{"A-1", "Ann", "DHL"}, texts)
}

func TestBuildTemplateMessageWithoutComponents(t *testing.T) {
	msg, err := service.BuildTemplateMessage(&model.Broadcast{TemplateName: "hello"}, &model.BroadcastContact{Phone: "+1"})
	require.NoError(t, err)
	assert.Equal(t, "en_US", msg.Template.Language.Code)
	assert.Empty(t, msg.Template.Components)

	_, err = service.BuildTemplateMessage(&model.Broadcast{Components: json.RawMessage(`{`)}, &model.BroadcastContact{})
	assert.Error(t, err)
}

func TestGraphSender(t *testing.T) {
	var got service.TemplateMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pn-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "+2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":131026,"message":"undeliverable"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.ok"}]}`))
	}))
	defer srv.Close()

	sender := &service.GraphSender{BaseURL: srv.URL + "/", Client: srv.Client()}

	id, err := sender.Send(context.Background(), templateJob(), &model.BroadcastContact{Phone: "+1"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.ok", id)
	assert.Equal(t, "+1", got.To)

	_, err = sender.Send(context.Background(), templateJob(), &model.BroadcastContact{Phone: "+2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "meta api error 400")
	assert.Contains(t, err.Error(), "131026")
}
