package tasks

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/behavior"

	"github.com/xeipuuv/gojsonschema"
)

// Kind names a reply task in the job framework.
type Kind string

const (
	KindAIChatReply    Kind = "ai_chat_reply"    // the bot was addressed directly
	KindGroupChatReply Kind = "group_chat_reply" // group traffic or a periodic broadcast
)

// Kinds lists every reply task kind.
func Kinds() []Kind { return []Kind{KindAIChatReply, KindGroupChatReply} }

// TriggerKind maps a task kind to the trigger kind behaviors reason about.
func (k Kind) TriggerKind() behavior.TriggerKind {
	if k == KindAIChatReply {
		return behavior.TriggerDirect
	}
	return behavior.TriggerGroup
}

// ParseKind accepts a task kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

var ErrMalformedTrigger = errors.New("tasks: malformed trigger")

// Trigger is the job payload for a reply task.
type Trigger struct {
	RoomID         string    `json:"room_id"`
	WorkspaceID    string    `json:"workspace_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	AuthorID       string    `json:"author_id,omitempty"`
	Text           string    `json:"text,omitempty"`
	At             time.Time `json:"at,omitzero"`
}

//go:embed trigger.schema.json
var triggerSchema []byte

var triggerSchemaLoader = gojsonschema.NewBytesLoader(triggerSchema)

// DecodeTrigger validates payload against the trigger schema and decodes it.
func DecodeTrigger(payload []byte) (Trigger, error) {
	if !json.Valid(payload) {
		return Trigger{}, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedTrigger)
	}

	result, err := gojsonschema.Validate(triggerSchemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %v", ErrMalformedTrigger, err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return Trigger{}, fmt.Errorf("%w: %s", ErrMalformedTrigger, strings.Join(problems, "; "))
	}

	var t Trigger
	if err := json.Unmarshal(payload, &t); err != nil {
		return Trigger{}, fmt.Errorf("%w: %v", ErrMalformedTrigger, err)
	}
	return t, nil
}

// Encode renders the trigger as a job payload.
func (t Trigger) Encode() ([]byte, error) {
	return json.Marshal(t)
}
