package sessionfiles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relayops/relay/internal/tools"
)

// Tool names exposed to the model.
const (
	ReadFileName   = "read_file"
	WriteFileName  = "write_file"
	ListFilesName  = "list_files"
	DeleteFileName = "delete_file"
)

// ToolNames lists the session-file tool names in a stable order.
func ToolNames() []string {
	return []string{ReadFileName, WriteFileName, ListFilesName, DeleteFileName}
}

// Tools builds the four session-file tools over one client.
func Tools(client *Client) []tools.Tool {
	return []tools.Tool{
		&ReadTool{client: client},
		&WriteTool{client: client},
		&ListTool{client: client},
		&DeleteTool{client: client},
	}
}

func toolError(msg string) *tools.Result {
	return &tools.Result{Content: msg, IsError: true}
}

var pathSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "description": "File path within the session's storage"}
	},
	"required": ["path"]
}`)

type pathArgs struct {
	Path string `json:"path"`
}

func parsePath(params json.RawMessage) (string, *tools.Result) {
	var args pathArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return "", toolError("invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(args.Path) == "" {
		return "", toolError("path is required")
	}
	return args.Path, nil
}

// ReadTool fetches a stored file.
type ReadTool struct {
	client *Client
}

func (t *ReadTool) Name() string { return ReadFileName }

func (t *ReadTool) Description() string {
	return "Read a file from the session's storage."
}

func (t *ReadTool) Schema() json.RawMessage { return pathSchema }

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	path, errRes := parsePath(params)
	if errRes != nil {
		return errRes, nil
	}
	content, err := t.client.Read(ctx, tools.SessionFromContext(ctx), path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return &tools.Result{Content: content}, nil
}

// WriteTool stores a file.
type WriteTool struct {
	client *Client
}

func (t *WriteTool) Name() string { return WriteFileName }

func (t *WriteTool) Description() string {
	return "Write a file to the session's storage, creating or replacing it."
}

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path within the session's storage"},
			"content": {"type": "string", "description": "Full file content"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return toolError("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(args.Path) == "" {
		return toolError("path is required"), nil
	}
	if err := t.client.Write(ctx, tools.SessionFromContext(ctx), args.Path, args.Content); err != nil {
		return toolError(err.Error()), nil
	}
	return &tools.Result{Content: fmt.Sprintf("Wrote %d bytes to %s.", len(args.Content), args.Path)}, nil
}

// ListTool lists stored files.
type ListTool struct {
	client *Client
}

func (t *ListTool) Name() string { return ListFilesName }

func (t *ListTool) Description() string {
	return "List the files in the session's storage."
}

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	files, err := t.client.List(ctx, tools.SessionFromContext(ctx))
	if err != nil {
		return toolError(err.Error()), nil
	}
	if len(files) == 0 {
		return &tools.Result{Content: "No files stored for this session."}, nil
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s (%d bytes)\n", f.Path, f.Size)
	}
	return &tools.Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}

// DeleteTool removes a stored file.
type DeleteTool struct {
	client *Client
}

func (t *DeleteTool) Name() string { return DeleteFileName }

func (t *DeleteTool) Description() string {
	return "Delete a file from the session's storage."
}

func (t *DeleteTool) Schema() json.RawMessage { return pathSchema }

func (t *DeleteTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	path, errRes := parsePath(params)
	if errRes != nil {
		return errRes, nil
	}
	if err := t.client.Delete(ctx, tools.SessionFromContext(ctx), path); err != nil {
		return toolError(err.Error()), nil
	}
	return &tools.Result{Content: "Deleted " + path + "."}, nil
}
