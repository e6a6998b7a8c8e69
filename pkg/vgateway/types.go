// Package vgateway defines the domain types shared across the gateway: the
// aggregated catalog entities (Tool, Resource, Prompt), the backend
// configuration schema, and backend runtime state. Sub-packages build the
// transport, connection, routing, session, protocol, and admin layers on top
// of these types.
//
// Tool, Resource, and Prompt are not hand-rolled: they alias the wire types
// from github.com/mark3labs/mcp-go/mcp, the same MCP SDK whose request-id
// and notification types pkg/vgateway/rpc uses.
package vgateway

import (
	"fmt"
	"regexp"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// TransportKind identifies how the gateway talks to a backend MCP server.
type TransportKind string

// Supported backend transports.
const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// BackendStatus is the lifecycle state of a Backend.
type BackendStatus string

// Backend lifecycle states.
const (
	StatusConnecting   BackendStatus = "connecting"
	StatusConnected    BackendStatus = "connected"
	StatusDisconnected BackendStatus = "disconnected"
	StatusError        BackendStatus = "error"
)

var (
	idPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	prefixPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)
)

const (
	minTimeout     = 1 * time.Second
	maxTimeout     = 300 * time.Second
	defaultTimeout = 30 * time.Second
	maxRetries     = 5
)

// StdioTransportConfig configures a child-process backend.
type StdioTransportConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// HTTPTransportConfig configures a plain-HTTP backend.
type HTTPTransportConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SSETransportConfig configures a Server-Sent-Events backend.
type SSETransportConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// BackendConfig is the immutable, validated description of one backend.
// Exactly one of Stdio, HTTP, SSE is populated, selected by Transport.
type BackendConfig struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Transport   TransportKind `json:"transport"`

	Stdio *StdioTransportConfig `json:"stdio,omitempty"`
	HTTP  *HTTPTransportConfig  `json:"http,omitempty"`
	SSE   *SSETransportConfig   `json:"sse,omitempty"`

	ToolPrefix string        `json:"toolPrefix,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Retries    int           `json:"retries"`
}

// Validate checks BackendConfig against the invariants in the data model:
// id shape, prefix shape, transport/timeout/retry bounds, and that the
// transport descriptor matching Transport is present and well-formed.
func (c *BackendConfig) Validate() error {
	if !idPattern.MatchString(c.ID) {
		return fmt.Errorf("backend id %q must be lowercase alphanumeric and hyphens", c.ID)
	}
	if c.Name == "" {
		return fmt.Errorf("backend %q: name is required", c.ID)
	}
	if c.ToolPrefix != "" && !prefixPattern.MatchString(c.ToolPrefix) {
		return fmt.Errorf("backend %q: tool prefix %q must be lowercase alphanumeric and underscores", c.ID, c.ToolPrefix)
	}
	if c.Retries < 0 || c.Retries > maxRetries {
		return fmt.Errorf("backend %q: retries must be between 0 and %d", c.ID, maxRetries)
	}
	if c.Timeout != 0 && (c.Timeout < minTimeout || c.Timeout > maxTimeout) {
		return fmt.Errorf("backend %q: timeout must be between %s and %s", c.ID, minTimeout, maxTimeout)
	}

	switch c.Transport {
	case TransportStdio:
		if c.Stdio == nil || c.Stdio.Command == "" {
			return fmt.Errorf("backend %q: stdio transport requires a command", c.ID)
		}
	case TransportHTTP:
		if c.HTTP == nil || c.HTTP.URL == "" {
			return fmt.Errorf("backend %q: http transport requires a url", c.ID)
		}
	case TransportSSE:
		if c.SSE == nil || c.SSE.URL == "" {
			return fmt.Errorf("backend %q: sse transport requires a url", c.ID)
		}
	default:
		return fmt.Errorf("backend %q: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

// EffectiveTimeout returns the configured timeout, or the default if unset.
func (c *BackendConfig) EffectiveTimeout() time.Duration {
	if c.Timeout == 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// ExternalToolName applies the namespacing rule: a backend with a tool
// prefix p exposes an inner tool t as "p_t"; without a prefix, t is exposed
// unchanged.
func (c *BackendConfig) ExternalToolName(innerName string) string {
	if c.ToolPrefix == "" {
		return innerName
	}
	return c.ToolPrefix + "_" + innerName
}

// StripPrefix reverses ExternalToolName: given the backend's prefix and an
// external name, it returns the inner name the backend actually understands.
// An unprefixed backend's names, and an external name that does not carry
// the backend's prefix, are returned unchanged.
func (c *BackendConfig) StripPrefix(externalName string) string {
	if c.ToolPrefix == "" {
		return externalName
	}
	prefix := c.ToolPrefix + "_"
	if len(externalName) > len(prefix) && externalName[:len(prefix)] == prefix {
		return externalName[len(prefix):]
	}
	return externalName
}

// Tool is one callable tool published by a backend, aliasing mcp.Tool so the
// catalog carries the SDK's own ToolInputSchema (JSON Schema with $defs)
// rather than an untyped map.
type Tool = mcp.Tool

// Resource is one readable resource published by a backend.
type Resource = mcp.Resource

// PromptArgument describes one named argument a Prompt accepts.
type PromptArgument = mcp.PromptArgument

// Prompt is one retrievable prompt template published by a backend.
type Prompt = mcp.Prompt

// Capabilities records which optional MCP capabilities a backend advertised
// at handshake time, gating which */list calls the gateway issues.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
	Logging   bool
}

// Catalog is the immutable snapshot of everything one backend currently
// publishes. A fresh Catalog replaces the previous one atomically; it is
// never mutated in place.
type Catalog struct {
	Tools     []Tool
	Resources []Resource
	Prompts   []Prompt
}
