package genx

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// ScriptReply is the structured form of a script reply.
type ScriptReply struct {
	Script string `json:"script" jsonschema:"the complete Python script, without markdown fences"`
	Error  string `json:"error,omitempty" jsonschema:"set only when the command cannot be turned into a script"`
}

// ScriptSchema is the JSON schema of ScriptReply.
var ScriptSchema = mustSchema[ScriptReply]()

func mustSchema[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		panic(fmt.Sprintf("genx: schema: %v", err))
	}
	return s
}

// unmarshalJSON unmarshals data into v, repairing malformed JSON first
// when a plain decode fails with a syntax error.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, err := jsonrepair.JSONRepair(string(data))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}
