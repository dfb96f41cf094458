package runtime

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/runtime/conversation"
	"github.com/dipeo/dipeo-go/runtime/emit"
	"github.com/dipeo/dipeo-go/runtime/model"
	"github.com/dipeo/dipeo-go/runtime/tool"
)

// Services bundles the collaborator ports handed to node handlers.
// Constructed once in the composition root and passed explicitly;
// there are no process-global singletons.
type Services struct {
	// LLM is the model client used by person_job handlers.
	LLM model.Client

	// HTTP is the outbound request port used by api_job handlers.
	HTTP *tool.HTTPPort

	// Files is the filesystem port used by db handlers.
	Files tool.FilePort

	// Conversation is the per-person message store.
	Conversation *conversation.Store

	// Prompts mediates interactive user input.
	Prompts *emit.PromptBroker

	// Log is the handler-facing structured logger.
	Log zerolog.Logger
}

// Variables is the mutable execution-variable view shared by handlers
// within one execution.
type Variables struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewVariables copies the initial variable map.
func NewVariables(initial map[string]any) *Variables {
	m := make(map[string]any, len(initial))
	for k, v := range initial {
		m[k] = v
	}
	return &Variables{m: m}
}

// Get returns a variable value.
func (v *Variables) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

// Set stores a variable value.
func (v *Variables) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = value
}

// Snapshot returns a copy of all variables.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

// Interpolate substitutes {name} placeholders with variable values.
// Unknown placeholders are left intact so that prompt templates fail
// visibly rather than silently.
func (v *Variables) Interpolate(template string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var b strings.Builder
	for {
		open := strings.IndexByte(template, '{')
		if open < 0 {
			b.WriteString(template)
			break
		}
		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			b.WriteString(template)
			break
		}
		closing += open

		b.WriteString(template[:open])
		name := template[open+1 : closing]
		if val, ok := v.m[name]; ok {
			b.WriteString(toString(val))
		} else {
			b.WriteString(template[open : closing+1])
		}
		template = template[closing+1:]
	}
	return b.String()
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strings.TrimSpace(stringifyAny(v))
}
