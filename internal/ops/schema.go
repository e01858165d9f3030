package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"castbot/internal/bridge"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://castbot.local/schemas/"

var payloadSchemas = map[bridge.Kind]string{
	bridge.KindQuickNotify: `{
		"type": "object",
		"required": ["role_id", "message"],
		"properties": {
			"role_id": {"type": "string", "minLength": 1},
			"title": {"type": "string", "maxLength": 256},
			"message": {"type": "string", "minLength": 1, "maxLength": 4096},
			"include_logo": {"type": "boolean"}
		}
	}`,
	bridge.KindTestReachability: `{
		"type": "object",
		"required": ["role_id"],
		"properties": {
			"role_id": {"type": "string", "minLength": 1},
			"sample": {"type": "integer", "minimum": 0, "maximum": 25}
		}
	}`,
	bridge.KindSetAvatar: `{
		"type": "object",
		"properties": {
			"avatar_data": {"type": "string"}
		}
	}`,
	bridge.KindSetPresence: `{
		"type": "object",
		"properties": {
			"username": {"type": "string", "maxLength": 32},
			"status": {"enum": ["", "online", "idle", "dnd", "offline", "invisible"]},
			"activity_type": {"enum": ["", "playing", "streaming", "listening", "watching", "competing"]},
			"activity_text": {"type": "string", "maxLength": 128}
		}
	}`,
}

type schemaSet struct {
	once    sync.Once
	err     error
	schemas map[bridge.Kind]*jsonschema.Schema
}

var compiled schemaSet

func (s *schemaSet) load() error {
	s.once.Do(func() {
		c := jsonschema.NewCompiler()
		for kind, src := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				s.err = fmt.Errorf("schema %s: %w", kind, err)
				return
			}
			if err := c.AddResource(schemaBase+string(kind)+".json", doc); err != nil {
				s.err = fmt.Errorf("schema %s: %w", kind, err)
				return
			}
		}
		s.schemas = make(map[bridge.Kind]*jsonschema.Schema, len(payloadSchemas))
		for kind := range payloadSchemas {
			sch, err := c.Compile(schemaBase + string(kind) + ".json")
			if err != nil {
				s.err = fmt.Errorf("compile schema %s: %w", kind, err)
				return
			}
			s.schemas[kind] = sch
		}
	})
	return s.err
}

// decode validates payload against the schema for kind and unmarshals it
// into dst. An empty payload is treated as {}.
func decode(kind bridge.Kind, payload json.RawMessage, dst any) error {
	if err := compiled.load(); err != nil {
		return err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if sch := compiled.schemas[kind]; sch != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if err := sch.Validate(inst); err != nil {
			return fmt.Errorf("invalid payload: %s", compactError(err))
		}
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// compactError flattens a multi-line validation error into one line.
func compactError(err error) string {
	var parts []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-")); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "; ")
}
