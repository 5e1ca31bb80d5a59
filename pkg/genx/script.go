package genx

import (
	"fmt"
	"strings"
)

// ErrorSentinel marks a reply in which the model declined the command.
const ErrorSentinel = "# Error:"

const scriptSystemPrompt = `You are a Blender 4.x Python script generator.
Translate the user's command into a bpy Python script compatible with Blender 4.x.

Instructions:
1. Output Python code only. Do not include markdown fences, explanations or any other text.
2. Use the Blender 4.x API.
3. Prefer the bpy.data API for creating and manipulating objects, meshes and materials. Use bpy.ops only when bpy.data cannot do the task.
4. If the command is unclear, too complex to translate reliably, or unsafe, output only this line:
   # Error: Command cannot be processed.`

const scriptJSONPrompt = `Answer with a JSON object. Put the script in "script". When the command cannot be processed leave "script" empty and explain why in "error".`

const retryPrompt = `The previous script generated for this command failed when it was executed.

Previous script:
%s

Execution error:
%s

Analyze the original command and the failure, then generate a corrected script. Prefer bpy.data over bpy.ops, since bpy.ops depends on UI context.`

// ScriptRequest describes one script synthesis attempt.
type ScriptRequest struct {
	// Exactly one of Text and Audio is set.
	Text  string
	Audio *Blob

	// Scene is the rendered host context.
	Scene string

	// History holds earlier turns of the conversation, oldest first.
	History []*Message

	// PreviousScript and ExecutionError are set on a retry.
	PreviousScript string
	ExecutionError string

	// JSON asks the model for a ScriptReply object.
	JSON bool
}

// IsRetry reports whether the request carries a reported execution failure.
func (r *ScriptRequest) IsRetry() bool {
	return r.ExecutionError != ""
}

// ScriptContext builds the model context for r.
func ScriptContext(r *ScriptRequest) (ModelContext, error) {
	if (r.Text == "") == (r.Audio == nil) {
		return nil, fmt.Errorf("genx: script request needs exactly one of text or audio")
	}
	params := ScriptParams
	mcb := &ModelContextBuilder{Params: &params}
	mcb.PromptText("system", scriptSystemPrompt)
	if r.JSON {
		mcb.PromptText("system", scriptJSONPrompt)
	}
	for _, m := range r.History {
		mcb.AddMessage(&Message{Role: m.Role, Name: m.Name, Payload: m.Payload})
	}

	scene := r.Scene
	if scene == "" {
		scene = "No scene context provided."
	}
	mcb.UserText("", "Current Blender context:\n"+scene)
	if r.Audio != nil {
		mcb.UserText("", "Listen to the following audio command and translate it into a script.")
		mcb.UserBlob("", r.Audio.MIMEType, r.Audio.Data)
	} else {
		mcb.UserText("", "Command: "+r.Text)
	}
	if r.IsRetry() {
		prev := r.PreviousScript
		if prev == "" {
			prev = "(no script returned)"
		}
		mcb.UserText("", fmt.Sprintf(retryPrompt, prev, r.ExecutionError))
	}
	return mcb.Build(), nil
}

// ExtractScript pulls a single script body out of a model reply. Empty
// replies, replies carrying ErrorSentinel and structured replies with an
// error all wrap ErrRejected.
func ExtractScript(reply string) (string, error) {
	text := strings.TrimSpace(reply)
	if strings.HasPrefix(text, "{") {
		var sr ScriptReply
		if err := unmarshalJSON([]byte(text), &sr); err != nil {
			return "", fmt.Errorf("%w: unparsable structured reply: %v", ErrRejected, err)
		}
		if sr.Error != "" && strings.TrimSpace(sr.Script) == "" {
			return "", fmt.Errorf("%w: %s", ErrRejected, sr.Error)
		}
		text = strings.TrimSpace(sr.Script)
	}
	text = StripFences(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty script", ErrRejected)
	}
	if i := strings.Index(text, ErrorSentinel); i >= 0 {
		line, _, _ := strings.Cut(text[i:], "\n")
		return "", fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(line))
	}
	return text, nil
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	// Skip the info string, e.g. "python".
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if info := strings.TrimSpace(body[:nl]); !strings.ContainsAny(info, " ()=") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
