// internal/service/template_service.go
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

var (
	numberedVar = regexp.MustCompile(`{{\s*(\d+)\s*}}`)
	namedVar    = regexp.MustCompile(`{{\s*([\w.]+)\s*}}`)
)

// RenderTemplate replaces {{key}} placeholders with values from data.
// Unknown keys are left as they are.
func RenderTemplate(template string, data map[string]string) string {
	return namedVar.ReplaceAllStringFunc(template, func(m string) string {
		key := namedVar.FindStringSubmatch(m)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return m
	})
}

// templateVarNumbers returns the distinct numbered placeholders in text, ascending.
func templateVarNumbers(text string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range numberedVar.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

type templateComponent struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
	Text   string `json:"text,omitempty"`
}

type MessageParameter struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	Image    *MediaLink `json:"image,omitempty"`
	Video    *MediaLink `json:"video,omitempty"`
	Document *MediaLink `json:"document,omitempty"`
}

type MediaLink struct {
	ID   string `json:"id,omitempty"`
	Link string `json:"link,omitempty"`
}

type MessageComponent struct {
	Type       string             `json:"type"`
	Parameters []MessageParameter `json:"parameters"`
}

type TemplateLanguage struct {
	Code string `json:"code"`
}

type TemplateBody struct {
	Name       string             `json:"name"`
	Language   TemplateLanguage   `json:"language"`
	Components []MessageComponent `json:"components,omitempty"`
}

// TemplateMessage is the Cloud API request body for one template send.
type TemplateMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	RecipientType    string       `json:"recipient_type"`
	Type             string       `json:"type"`
	Template         TemplateBody `json:"template"`
}

// BuildTemplateMessage personalises the job's template for one contact.
// Body placeholder {{n}} takes the contact variable named by the mapping for
// n, or "variable<n>" when the job has no mapping for it.
func BuildTemplateMessage(job *model.Broadcast, c *model.BroadcastContact) (*TemplateMessage, error) {
	var components []templateComponent
	if len(job.Components) > 0 {
		if err := json.Unmarshal(job.Components, &components); err != nil {
			return nil, fmt.Errorf("decode template components: %w", err)
		}
	}

	lang := job.Language
	if lang == "" {
		lang = "en_US"
	}
	msg := &TemplateMessage{
		MessagingProduct: "whatsapp",
		To:               c.Phone,
		RecipientType:    "individual",
		Type:             "template",
		Template:         TemplateBody{Name: job.TemplateName, Language: TemplateLanguage{Code: lang}},
	}

	for _, comp := range components {
		switch strings.ToUpper(comp.Type) {
		case "HEADER":
			if p, ok := headerParameter(job, c, comp); ok {
				msg.Template.Components = append(msg.Template.Components, MessageComponent{
					Type: "header", Parameters: []MessageParameter{p},
				})
			}
		case "BODY":
			nums := templateVarNumbers(comp.Text)
			if len(nums) == 0 {
				continue
			}
			params := make([]MessageParameter, 0, len(nums))
			for _, n := range nums {
				params = append(params, MessageParameter{Type: "text", Text: c.Variables[variableKey(job.VariableMappings, n)]})
			}
			msg.Template.Components = append(msg.Template.Components, MessageComponent{Type: "body", Parameters: params})
		}
	}
	return msg, nil
}

func variableKey(mappings []model.VariableMapping, n int) string {
	want := strconv.Itoa(n)
	for _, m := range mappings {
		if m.Var == want {
			return m.Value
		}
	}
	return "variable" + want
}

func headerParameter(job *model.Broadcast, c *model.BroadcastContact, comp templateComponent) (MessageParameter, bool) {
	format := strings.ToLower(comp.Format)
	switch format {
	case "image", "video", "document":
		var media *MediaLink
		switch {
		case job.HeaderMediaID != "":
			media = &MediaLink{ID: job.HeaderMediaID}
		case job.HeaderImageURL != "":
			media = &MediaLink{Link: job.HeaderImageURL}
		default:
			return MessageParameter{}, false
		}
		p := MessageParameter{Type: format}
		switch format {
		case "image":
			p.Image = media
		case "video":
			p.Video = media
		default:
			p.Document = media
		}
		return p, true
	case "text":
		if !namedVar.MatchString(comp.Text) {
			return MessageParameter{}, false
		}
		return MessageParameter{Type: "text", Text: RenderTemplate(comp.Text, c.Variables)}, true
	}
	return MessageParameter{}, false
}

// GraphSender delivers template messages through the Cloud API.
type GraphSender struct {
	BaseURL string
	Client  *http.Client
}

type graphResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error json.RawMessage `json:"error"`
}

func (s *GraphSender) Send(ctx context.Context, job *model.Broadcast, c *model.BroadcastContact) (string, error) {
	msg, err := BuildTemplateMessage(job, c)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(s.BaseURL, "/"), job.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+job.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var out graphResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(raw)
		if len(out.Error) > 0 {
			detail = string(out.Error)
		}
		return "", fmt.Errorf("meta api error %d: %s", resp.StatusCode, detail)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", fmt.Errorf("no message id in response: %s", string(raw))
	}
	return out.Messages[0].ID, nil
}
