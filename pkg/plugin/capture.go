package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/errors"
	"github.com/osakka/toolserver/pkg/logging"
)

// registrationMessage is one line of the newline-delimited JSON protocol a
// plugin runtime process emits on stdout while "importing" (spec.md §9's
// resolved Open Question: the entry is exec'd as a separate process rather
// than dynamically imported in-process).
type registrationMessage struct {
	Type        string                     `json:"type"`
	Name        string                     `json:"name,omitempty"`
	URI         string                     `json:"uri,omitempty"`
	Title       string                     `json:"title,omitempty"`
	Description string                     `json:"description,omitempty"`
	MimeType    string                     `json:"mimeType,omitempty"`
	InputSchema map[string]interface{}     `json:"inputSchema,omitempty"`
	Annotations map[string]interface{}     `json:"annotations,omitempty"`
	Arguments   []hosting.PromptArgumentDef `json:"arguments,omitempty"`
	Message     string                     `json:"message,omitempty"`
}

// callMessage is written to the runtime's stdin to dispatch a tool call
// after load completes; the runtime replies with one JSON line containing
// the result.
type callMessage struct {
	Type string                 `json:"type"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type callResponse struct {
	Content []hosting.ContentBlock `json:"content"`
	IsError bool                   `json:"isError"`
	Error   string                 `json:"error,omitempty"`
}

// CapturedTool/Resource/Prompt are the registrations recorded by the
// capture proxy during a load, in the order the plugin entry made them
// (spec.md §5, Ordering guarantees).
type CapturedTool struct {
	Name string
	Meta hosting.ToolMetadata
}
type CapturedResource struct {
	Name string
	URI  string
	Meta hosting.ResourceMetadata
}
type CapturedPrompt struct {
	Name string
	Meta hosting.PromptMetadata
}

// Capture holds everything a plugin entry registered during one load, plus
// the still-running runtime process handlers dispatch calls through.
type Capture struct {
	Tools     []CapturedTool
	Resources []CapturedResource
	Prompts   []CapturedPrompt

	runtime *Runtime
}

// Runtime wraps the exec'd plugin entry process: a newline-delimited JSON
// stdout stream for registration, and a request/response stdin/stdout
// channel (after "ready") for dispatching calls. It is the "capturing
// proxy" of spec.md §4.5 step 4.
type Runtime struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	logger logging.Logger
}

// Import execs the plugin's entry under ctx, reading registration messages
// from stdout until a "ready" message arrives or ctx is canceled. Calls to
// registerTool/registerResource/registerPrompt are recorded into the
// returned Capture, never forwarded to a real host (spec.md §4.5 step 4).
func Import(ctx context.Context, interpreter, entryPath string, logger logging.Logger) (*Capture, error) {
	args := []string{entryPath}
	if interpreter == "" {
		interpreter = "node"
	}

	cmd := exec.CommandContext(ctx, interpreter, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(errors.CategoryIO, "import_stdin_pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.CategoryIO, "import_stdout_pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.CategoryIO, "import_start", err)
	}

	reader := bufio.NewReader(stdout)
	runtime := &Runtime{cmd: cmd, stdin: stdin, reader: reader, logger: logger}
	capture := &Capture{runtime: runtime}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(errors.CategoryIO, "import_read", err)
		}

		var msg registrationMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn("plugin_runtime_malformed_line", "entry", entryPath, "line", line)
			continue
		}

		switch msg.Type {
		case "register_tool":
			capture.Tools = append(capture.Tools, CapturedTool{
				Name: msg.Name,
				Meta: hosting.ToolMetadata{Title: msg.Title, Description: msg.Description, InputSchema: msg.InputSchema, Annotations: msg.Annotations},
			})
		case "register_resource":
			capture.Resources = append(capture.Resources, CapturedResource{
				Name: msg.Name,
				URI:  msg.URI,
				Meta: hosting.ResourceMetadata{Description: msg.Description, MimeType: msg.MimeType},
			})
		case "register_prompt":
			capture.Prompts = append(capture.Prompts, CapturedPrompt{
				Name: msg.Name,
				Meta: hosting.PromptMetadata{Description: msg.Description, Arguments: msg.Arguments},
			})
		case "error":
			return nil, errors.Manifest("import", fmt.Sprintf("plugin entry reported error: %s", msg.Message))
		case "ready":
			return capture, nil
		default:
			logger.Warn("plugin_runtime_unknown_message_type", "entry", entryPath, "type", msg.Type)
		}
	}

	// Stdout closed (EOF) without a "ready" message ever arriving: either
	// ctx was canceled/timed out (exec.CommandContext kills the process,
	// which also closes stdout with EOF) or the entry crashed or exited
	// early. Neither is a successful import.
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, errors.Wrap(errors.CategoryIO, "import_timeout", fmt.Errorf("plugin entry did not signal ready before the import context ended: %w", ctx.Err()))
	}
	if waitErr != nil {
		return nil, errors.Wrap(errors.CategoryIO, "import_exited", fmt.Errorf("plugin entry exited before signaling ready: %w", waitErr))
	}
	return nil, errors.Wrap(errors.CategoryIO, "import_exited", fmt.Errorf("plugin entry closed stdout without signaling ready"))
}

// Close terminates the runtime process, if still running.
func (c *Capture) Close() error {
	if c.runtime == nil {
		return nil
	}
	c.runtime.stdin.Close()
	return c.runtime.cmd.Wait()
}

// dispatch writes one call message to the runtime's stdin and reads back
// one response line. Every call kind (tool/resource/prompt) shares this
// request/response shape; handlers below only vary the message's Type/Name.
func (c *Capture) dispatch(msgType, name string, args map[string]interface{}) (callResponse, error) {
	c.runtime.mu.Lock()
	defer c.runtime.mu.Unlock()

	req, err := json.Marshal(callMessage{Type: msgType, Name: name, Args: args})
	if err != nil {
		return callResponse{}, err
	}
	if _, err := c.runtime.stdin.Write(append(req, '\n')); err != nil {
		return callResponse{}, errors.Wrap(errors.CategoryIO, "dispatch_call", err)
	}

	line, err := c.runtime.reader.ReadString('\n')
	if err != nil {
		return callResponse{}, errors.Wrap(errors.CategoryIO, "read_call_response", err)
	}

	var resp callResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return callResponse{}, errors.Wrap(errors.CategoryIO, "decode_call_response", err)
	}
	return resp, nil
}

// ToolHandler returns a hosting.ToolHandler that forwards a call to the
// still-running plugin runtime process and relays its response. Dispatching
// the actual business logic belongs to the plugin process, not this
// subsystem (spec.md §1 Non-goals: "executing tool business logic").
func (c *Capture) ToolHandler(name string) hosting.ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (hosting.ToolResult, error) {
		resp, err := c.dispatch("call_tool", name, args)
		if err != nil {
			return hosting.ToolResult{}, err
		}
		if resp.Error != "" {
			return hosting.ToolResult{IsError: true, Content: []hosting.ContentBlock{{Type: "text", Text: resp.Error}}}, nil
		}
		return hosting.ToolResult{Content: resp.Content, IsError: resp.IsError}, nil
	}
}

// ResourceReader returns a hosting.ResourceReader dispatched through the
// same runtime process.
func (c *Capture) ResourceReader(name string) hosting.ResourceReader {
	return func(ctx context.Context, uri string) (hosting.ResourceContent, error) {
		resp, err := c.dispatch("call_resource", name, map[string]interface{}{"uri": uri})
		if err != nil {
			return hosting.ResourceContent{}, err
		}
		if resp.Error != "" {
			return hosting.ResourceContent{}, fmt.Errorf("resource %q: %s", name, resp.Error)
		}
		var text string
		if len(resp.Content) > 0 {
			text = resp.Content[0].Text
		}
		return hosting.ResourceContent{URI: uri, Text: text}, nil
	}
}

// PromptCallback returns a hosting.PromptCallback dispatched through the
// same runtime process.
func (c *Capture) PromptCallback(name string) hosting.PromptCallback {
	return func(ctx context.Context, args map[string]interface{}) (hosting.PromptResult, error) {
		resp, err := c.dispatch("call_prompt", name, args)
		if err != nil {
			return hosting.PromptResult{}, err
		}
		if resp.Error != "" {
			return hosting.PromptResult{}, fmt.Errorf("prompt %q: %s", name, resp.Error)
		}
		messages := make([]hosting.PromptMessage, 0, len(resp.Content))
		for _, block := range resp.Content {
			messages = append(messages, hosting.PromptMessage{Role: "assistant", Content: block})
		}
		return hosting.PromptResult{Messages: messages}, nil
	}
}
