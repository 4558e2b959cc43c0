package provider

import "context"

// McpServer describes a single MCP server attached to a query.
type McpServer struct {
	Name    string
	Type    string // "stdio" or "sse"
	Command string
	Args    []string
	URL     string
}

// PermissionMode controls how the provider handles tool permission prompts.
type PermissionMode string

const (
	PermissionDefault PermissionMode = "default"
	PermissionBypass  PermissionMode = "bypass"
)

// Input is the enumerated, non-dynamic set of provider options. Every
// recognized option is an explicit field rather than a dynamic property
// bag.
type Input struct {
	Model                          string
	WorkingDir                     string
	SystemPrompt                   string
	MCPServers                     []McpServer
	MaxThinkingTokens              int
	AdditionalDirectories          []string
	ResumeSessionID                string
	PathToExecutable               string
	PermissionMode                 PermissionMode
	AllowDangerouslySkipPermissions bool

	Prompt string

	// AbortSignal is closed to request cancellation of the in-flight query.
	AbortSignal <-chan struct{}
}

// Provider is the interface each concrete backend (ACP-native, mock
// fallback, ...) implements. It is intentionally small: the orchestrator
// and Query Runtime depend only on this, never on a concrete SDK type.
type Provider interface {
	ID() string
	// Run drives exactly one streaming call, delivering events to onEvent
	// in the order the underlying transport produced them, and returns
	// when the call has terminated (successfully, aborted, or failed).
	Run(ctx context.Context, in Input, onEvent Handler) error
	// Cancel requests cooperative cancellation of the most recent Run.
	Cancel(ctx context.Context) error
}

// ErrorClass classifies a Provider error for the orchestrator's retry
// policy. The gateway depends only on the transient/fatal distinction, not
// on a fixed taxonomy; the Classifier owns the taxonomy.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassTransient
)

// Classifier maps a Provider error to an ErrorClass. The Orchestrator uses
// one Classifier for every registered Provider: DefaultClassifier unless
// SetClassifier replaces it.
type Classifier func(err error) ErrorClass
