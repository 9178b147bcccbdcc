package webhook

import (
	"time"
)

// payload — тело POST запроса webhook.
type payload struct {
	Contact payloadContact           `json:"contact"`
	Flow    payloadFlow              `json:"flow"`
	Path    []string                 `json:"path"`
	Results map[string]payloadResult `json:"results"`
	Run     payloadRun               `json:"run"`
	Input   *payloadInput            `json:"input,omitempty"`
	Channel *payloadChannel          `json:"channel,omitempty"`
}

type payloadContact struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	URN  string `json:"urn,omitempty"`
}

type payloadFlow struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Revision int    `json:"revision"`
}

type payloadResult struct {
	Name     string    `json:"name"`
	NodeUUID string    `json:"node_uuid"`
	Category string    `json:"category"`
	Value    string    `json:"value"`
	Input    string    `json:"input,omitempty"`
	Created  time.Time `json:"created_on"`
}

type payloadRun struct {
	UUID      string    `json:"uuid"`
	CreatedOn time.Time `json:"created_on"`
}

type payloadInput struct {
	URN         string   `json:"urn,omitempty"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
}

type payloadChannel struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// buildPayload собирает тело запроса из контекста вызова.
func buildPayload(req Request) payload {
	p := payload{
		Path:    []string{},
		Results: map[string]payloadResult{},
	}

	if req.Contact != nil {
		p.Contact = payloadContact{
			UUID: req.Contact.ID.String(),
			Name: req.Contact.Name,
			URN:  req.Contact.PreferredURN(),
		}
	}
	if req.Flow != nil {
		p.Flow = payloadFlow{
			UUID:     req.Flow.ID.String(),
			Name:     req.Flow.Name,
			Revision: req.Flow.Revision,
		}
	}
	if run := req.Run; run != nil {
		p.Run = payloadRun{UUID: run.ID.String(), CreatedOn: run.CreatedOn}
		for _, step := range run.Path {
			p.Path = append(p.Path, step.NodeUUID)
		}
		for k, res := range run.Results {
			p.Results[k] = payloadResult{
				Name:     res.Name,
				NodeUUID: res.NodeUUID,
				Category: res.Category,
				Value:    res.Value,
				Input:    res.Input,
				Created:  res.CreatedOn,
			}
		}
	}
	if msg := req.Input; msg != nil {
		attachments := msg.Attachments
		if attachments == nil {
			attachments = []string{}
		}
		p.Input = &payloadInput{URN: msg.URN, Text: msg.Text, Attachments: attachments}
	}
	if ch := req.Channel; ch != nil {
		p.Channel = &payloadChannel{UUID: ch.ID.String(), Name: ch.Name}
	}
	return p
}
