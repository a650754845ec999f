package tools

import (
	"encoding/json"
	"strings"
)

// Client-side tools execute on the caller, not the server. The set is
// fixed: a couple of exact names plus the browser_ family.
const (
	AskQuestionName = "ask_question"
	BashName        = "bash"

	browserPrefix = "browser_"
)

// IsClientSideName reports whether a tool name belongs to the fixed
// client-side set.
func IsClientSideName(name string) bool {
	switch name {
	case AskQuestionName, BashName:
		return true
	}
	return IsBrowserName(name)
}

// IsBrowserName reports whether a tool name belongs to the browser
// family. Browser tools produce page snapshots that the session store
// squashes once they go stale.
func IsBrowserName(name string) bool {
	return strings.HasPrefix(name, browserPrefix)
}

// clientDescriptors are the client-side tools advertised to the model
// by default. Clients may declare further tools per request; those are
// merged by the runner.
func clientDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:        AskQuestionName,
			Description: "Ask the user a question and wait for their answer. Use choices for multiple choice, omit them for free text.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"question": {"type": "string", "description": "The question to ask the user"},
					"choices": {"type": "array", "items": {"type": "string"}, "description": "Optional fixed choices"}
				},
				"required": ["question"]
			}`),
		},
		{
			Name:        BashName,
			Description: "Run a shell command on the user's machine and return its output.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "The command to run"}
				},
				"required": ["command"]
			}`),
		},
		{
			Name:        "browser_navigate",
			Description: "Navigate the user's browser to a URL and return a page snapshot.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string", "description": "Destination URL"}
				},
				"required": ["url"]
			}`),
		},
		{
			Name:        "browser_click",
			Description: "Click an element in the current browser page by its reference from the latest snapshot.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"ref": {"type": "string", "description": "Element reference from the page snapshot"}
				},
				"required": ["ref"]
			}`),
		},
		{
			Name:        "browser_type",
			Description: "Type text into an element in the current browser page.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"ref": {"type": "string", "description": "Element reference from the page snapshot"},
					"text": {"type": "string", "description": "Text to type"},
					"submit": {"type": "boolean", "description": "Press enter after typing"}
				},
				"required": ["ref", "text"]
			}`),
		},
		{
			Name:        "browser_snapshot",
			Description: "Capture a fresh snapshot of the current browser page.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}
