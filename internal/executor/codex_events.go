package executor

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// codexEventSchema covers the fields read from `codex exec --json` lines.
// Unknown event types pass; the two types consumed must be well formed.
const codexEventSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string"},
    "thread_id": {"type": "string"},
    "item": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "thread.started"}}},
      "then": {"required": ["thread_id"]}
    },
    {
      "if": {"properties": {"type": {"const": "item.completed"}}},
      "then": {
        "required": ["item"],
        "properties": {
          "item": {
            "type": "object",
            "required": ["type"],
            "properties": {"type": {"type": "string"}, "text": {"type": "string"}}
          }
        }
      }
    }
  ]
}`

var (
	codexSchemaOnce sync.Once
	codexSchema     *jsonschema.Schema
	codexSchemaErr  error
)

func compiledCodexSchema() (*jsonschema.Schema, error) {
	codexSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(codexEventSchema))
		if err != nil {
			codexSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("codex-event.json", doc); err != nil {
			codexSchemaErr = err
			return
		}
		codexSchema, codexSchemaErr = c.Compile("codex-event.json")
	})
	return codexSchema, codexSchemaErr
}

// CodexEvents holds the validated JSON events of one codex run.
type CodexEvents []map[string]any

// ParseCodexEvents keeps the stdout lines that are JSON objects matching
// the event schema. Invalid lines are skipped.
func ParseCodexEvents(stdout string, logger *slog.Logger) CodexEvents {
	schema, err := compiledCodexSchema()
	if err != nil && logger != nil {
		logger.Warn("codex event schema unavailable", "error", err)
	}
	var out CodexEvents
	for _, raw := range strings.Split(stdout, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
		if err != nil {
			continue
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			continue
		}
		if schema != nil {
			if err := schema.Validate(doc); err != nil {
				if logger != nil {
					logger.Debug("codex event rejected", "error", err)
				}
				continue
			}
		}
		out = append(out, obj)
	}
	return out
}

// ThreadID returns the id of the first thread.started event.
func (ev CodexEvents) ThreadID() string {
	for _, e := range ev {
		if e["type"] == "thread.started" {
			if id, _ := e["thread_id"].(string); strings.TrimSpace(id) != "" {
				return strings.TrimSpace(id)
			}
		}
	}
	return ""
}

// LastAgentMessage returns the text of the last completed agent message.
func (ev CodexEvents) LastAgentMessage() string {
	last := ""
	for _, e := range ev {
		if e["type"] != "item.completed" {
			continue
		}
		item, _ := e["item"].(map[string]any)
		if item == nil || item["type"] != "agent_message" {
			continue
		}
		if text, _ := item["text"].(string); strings.TrimSpace(text) != "" {
			last = strings.TrimSpace(text)
		}
	}
	return last
}
