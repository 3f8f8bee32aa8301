// Command mcp-bridge-proxy is a small stdio-to-remote MCP forwarder. The
// agent CLI speaks MCP over stdio to whatever command its mcp-config names;
// this binary is that command for any server the gateway resolved to a
// remote URL instead of a local executable. It connects once to the remote
// server over SSE or Streamable HTTP, caches its tool list, and forwards
// initialize/tools-list/tools-call requests arriving on its own stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vpaturel/claude-wrapper-secure/internal/errs"
	"github.com/vpaturel/claude-wrapper-secure/internal/obslog"
)

// headerList accumulates repeated --header K:V flags.
type headerList map[string]string

func (h headerList) String() string { return "" }

func (h headerList) Set(value string) error {
	k, v, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("--header value %q must be in K:V form", value)
	}
	h[strings.TrimSpace(k)] = strings.TrimSpace(v)
	return nil
}

func main() {
	var (
		sseURL              string
		streamableURL       string
		streamableHTTPPath  string
		oauth2Bearer        string
		protocolVersion     string
		logLevel            string
	)
	headers := headerList{}

	flag.StringVar(&sseURL, "sse", "", "remote MCP server SSE endpoint")
	flag.StringVar(&streamableURL, "streamableHttp", "", "remote MCP server Streamable HTTP endpoint")
	flag.StringVar(&streamableHTTPPath, "streamableHttpPath", "/mcp", "path appended to the Streamable HTTP endpoint")
	flag.StringVar(&oauth2Bearer, "oauth2Bearer", "", "bearer token sent as Authorization on every request")
	flag.Var(&headers, "header", "extra header in K:V form; may be repeated")
	flag.StringVar(&protocolVersion, "protocolVersion", "2024-11-05", "MCP protocol version advertised to the agent")
	flag.StringVar(&logLevel, "logLevel", "info", "debug|info|none")
	flag.Parse()

	log := buildLogger(logLevel)

	if err := run(sseURL, streamableURL, streamableHTTPPath, oauth2Bearer, protocolVersion, headers, log); err != nil {
		log.Error("bridge proxy exiting", obslog.ErrorField(err))
		os.Exit(1)
	}
}

func buildLogger(level string) *obslog.Logger {
	if level == "none" {
		level = "fatal"
	}
	l, err := obslog.New(obslog.Config{Level: level, Format: "console", OutputPath: "stderr"})
	if err != nil {
		return obslog.Default()
	}
	return l.Component("mcp-bridge-proxy")
}

func run(sseURL, streamableURL, streamableHTTPPath, bearer, protocolVersion string, headers headerList, log *obslog.Logger) error {
	ctx := context.Background()

	session, err := connectRemote(ctx, sseURL, streamableURL, streamableHTTPPath, bearer, headers)
	if err != nil {
		return &errs.BridgeError{Detail: fmt.Sprintf("connecting to remote MCP server: %v", err)}
	}
	defer session.Close()

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		return &errs.BridgeError{Detail: fmt.Sprintf("listing remote tools: %v", err)}
	}
	log.Info(fmt.Sprintf("cached %d remote tools", len(toolsResult.Tools)))

	return serveStdio(ctx, os.Stdin, os.Stdout, session, toolsResult, protocolVersion, log)
}

// headerRoundTripper adds fixed headers to every outgoing request, grounded
// on the same pattern used to inject OAuth/secret headers into a remote MCP
// client's HTTP transport.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.base.RoundTrip(cloned)
}

func connectRemote(ctx context.Context, sseURL, streamableURL, streamableHTTPPath, bearer string, extraHeaders headerList) (*mcp.ClientSession, error) {
	headers := map[string]string{}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	if bearer != "" {
		headers["Authorization"] = "Bearer " + bearer
	}

	httpClient := &http.Client{Transport: &headerRoundTripper{base: http.DefaultTransport, headers: headers}}

	var transport mcp.Transport
	switch {
	case sseURL != "":
		transport = &mcp.SSEClientTransport{Endpoint: sseURL, HTTPClient: httpClient}
	case streamableURL != "":
		endpoint := streamableURL
		if streamableHTTPPath != "" && !strings.HasSuffix(endpoint, streamableHTTPPath) {
			endpoint = strings.TrimSuffix(endpoint, "/") + streamableHTTPPath
		}
		transport = &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	default:
		return nil, fmt.Errorf("exactly one of --sse or --streamableHttp must be set")
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "claude-wrapper-secure-bridge-proxy", Version: "1.0.0"}, nil)
	return client.Connect(ctx, transport, nil)
}

// jsonrpcRequest and jsonrpcResponse mirror the minimal JSON-RPC 2.0 shapes
// this proxy speaks to the agent CLI over stdio. dispatch handles three
// methods and answers any other with method-not-found, so a thin dispatch
// loop suffices in place of registering each tool individually with a typed
// server.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const methodNotFound = -32601

func serveStdio(ctx context.Context, stdin *os.File, stdout *os.File, session *mcp.ClientSession, toolsResult *mcp.ListToolsResult, protocolVersion string, log *obslog.Logger) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	writer := bufio.NewWriter(stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn("discarding unparsable line on stdin", obslog.ErrorField(err))
			continue
		}

		resp := dispatch(ctx, req, session, toolsResult, protocolVersion)
		resp.ID = req.ID
		resp.JSONRPC = "2.0"

		encoded, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encoding response: %w", err)
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flushing response: %w", err)
		}
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, req jsonrpcRequest, session *mcp.ClientSession, toolsResult *mcp.ListToolsResult, protocolVersion string) jsonrpcResponse {
	switch req.Method {
	case "initialize":
		return jsonrpcResponse{Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo": map[string]string{
				"name":    "claude-wrapper-secure-bridge-proxy",
				"version": "1.0.0",
			},
			"capabilities": map[string]interface{}{"tools": map[string]interface{}{}},
		}}

	case "tools/list":
		return jsonrpcResponse{Result: map[string]interface{}{"tools": toolsResult.Tools}}

	case "tools/call":
		return forwardToolCall(ctx, req.Params, session)

	default:
		return jsonrpcResponse{Error: &jsonrpcError{Code: methodNotFound, Message: "method not found: " + req.Method}}
	}
}

func forwardToolCall(ctx context.Context, rawParams json.RawMessage, session *mcp.ClientSession) jsonrpcResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return jsonrpcResponse{Error: &jsonrpcError{Code: -32602, Message: "invalid params: " + err.Error()}}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: params.Name, Arguments: params.Arguments})
	if err != nil {
		return jsonrpcResponse{Error: &jsonrpcError{Code: -32000, Message: (&errs.BridgeError{Detail: err.Error()}).Error()}}
	}
	return jsonrpcResponse{Result: result}
}
