package handlers

import (
	"context"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/conversation"
	"github.com/dipeo/dipeo-go/runtime/envelope"
	"github.com/dipeo/dipeo-go/runtime/model"
)

// executePersonJob runs one LLM turn for a configured person.
//
// The handler replays incoming conversation from other persons into
// this person's log, applies the configured forgetting mode to build
// the visible history, interpolates the prompt template against the
// execution variables, calls the model client, and records the
// assistant reply. Token usage travels on the output envelope and is
// accumulated into the execution totals by the state observer.
func executePersonJob(ctx context.Context, req *runtime.Request) (runtime.Outputs, error) {
	cfg := req.Node.Config
	personID := diagram.PersonID(cfg.String("person"))
	person, ok := req.Diagram.Persons[personID]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "unknown person %q", personID)
	}
	if req.Services.LLM == nil {
		return nil, errdefs.New(errdefs.KindDependencyUnmet, "person_job requires an LLM client")
	}
	store := req.Services.Conversation
	if store == nil {
		store = conversation.NewStore()
	}

	mode := conversation.ForgetMode(cfg.String("memory_mode"))
	if mode == "" {
		mode = conversation.ForgetNone
	}
	if mode == conversation.ForgetAll || mode == conversation.ForgetOwn {
		// Destructive modes apply at start of turn.
		store.Forget(personID, req.ExecutionID, mode)
	}

	ingestIncoming(ctx, req, store, personID)

	prompt := req.Variables.Interpolate(cfg.String("prompt"))

	messages := buildMessages(req, store, personID, person, mode, prompt)

	if prompt != "" {
		if _, err := store.Append(ctx, personID, req.ExecutionID, conversation.RoleUser,
			prompt, conversation.FromUser, req.Node.ID, nil); err != nil {
			return nil, err
		}
	}

	resp, err := req.Services.LLM.Complete(ctx, model.Request{
		Messages:  messages,
		Model:     person.Model,
		APIKeyID:  string(person.APIKeyID),
		MaxTokens: cfg.Int("max_tokens", 0),
	})
	if err != nil {
		return nil, err
	}

	usage := resp.Usage
	if _, err := store.Append(ctx, personID, req.ExecutionID, conversation.RoleAssistant,
		resp.Text, string(personID), req.Node.ID, &usage); err != nil {
		return nil, err
	}

	out := envelope.Text(req.Node.ID, resp.Text)
	out = out.WithMeta(envelope.Meta{LLMUsage: &usage})
	return runtime.SingleOutput(out), nil
}

// ingestIncoming appends assistant messages produced by upstream
// person_job nodes into this person's log, so cross-person memory and
// consolidation see them.
func ingestIncoming(ctx context.Context, req *runtime.Request, store *conversation.Store, personID diagram.PersonID) {
	for _, in := range req.Inputs {
		producer := req.Diagram.Node(in.ProducedBy)
		if producer == nil || producer.Type != diagram.NodePersonJob {
			continue
		}
		from := producer.Config.String("person")
		if from == "" || from == string(personID) {
			continue
		}
		content := in.BodyString()
		if content == "" {
			continue
		}
		_, _ = store.Append(ctx, personID, req.ExecutionID, conversation.RoleAssistant,
			content, from, req.Node.ID, nil)
	}
}

// buildMessages assembles the provider-neutral message list: system
// prompt, the mode-filtered visible history, the consolidated block of
// other persons' latest replies (on_every_turn only), and the current
// prompt.
func buildMessages(req *runtime.Request, store *conversation.Store, personID diagram.PersonID, person diagram.Person, mode conversation.ForgetMode, prompt string) []model.Message {
	var messages []model.Message
	if person.SystemPrompt != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: person.SystemPrompt})
	}

	for _, msg := range store.Visible(personID, req.ExecutionID, mode) {
		role := model.RoleUser
		switch {
		case msg.Role == conversation.RoleSystem:
			role = model.RoleSystem
		case msg.From == string(personID):
			role = model.RoleAssistant
		}
		messages = append(messages, model.Message{Role: role, Content: msg.Content})
	}

	if mode == conversation.ForgetEveryTurn {
		if block := store.ConsolidateOthers(req.Diagram, personID, req.ExecutionID); block != "" {
			messages = append(messages, model.Message{Role: model.RoleUser, Content: block})
		}
	}

	if prompt != "" {
		messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})
	}
	return messages
}
