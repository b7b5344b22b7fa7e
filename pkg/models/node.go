package models

import "fmt"

// NodeClass classifies a node type into one of the closed categories the
// DAG engine treats differently during layer analysis and scheduling.
type NodeClass string

const (
	// NodeClassTrigger produces outputs from external events. Never has
	// inbound data edges in the initial layer.
	NodeClassTrigger NodeClass = "trigger"

	// NodeClassConfig provides configuration (memory, skill, model-config)
	// to the node it is wired into. Never executes on its own.
	NodeClassConfig NodeClass = "config"

	// NodeClassToolkit aggregates connected sub-nodes as callable tools.
	// The sub-nodes do not execute on their own.
	NodeClassToolkit NodeClass = "toolkit"

	// NodeClassAgent consumes memory/skill/tools/teammates composition.
	NodeClassAgent NodeClass = "agent"

	// NodeClassExecutable covers everything else.
	NodeClassExecutable NodeClass = "executable"
)

// Well-known node type tags. Only the trigger, config, toolkit and agent
// tags are registered by NewTypeRegistry; ClassOf treats any other type
// string as executable.
const (
	NodeTypeStart            = "start"
	NodeTypeCronScheduler     = "cronScheduler"
	NodeTypeWebhookTrigger    = "webhookTrigger"
	NodeTypeMessagingReceive  = "messagingReceive"
	NodeTypeMemoryConfig      = "memoryConfig"
	NodeTypeSkillConfig       = "skillConfig"
	NodeTypeModelConfig       = "modelConfig"
	NodeTypeToolkit           = "toolkit"
	NodeTypeAIAgent           = "aiAgent"
	NodeTypeConditional       = "conditional"
	NodeTypeHTTPRequest       = "httpRequest"
	NodeTypeCodeBlock         = "codeBlock"
	NodeTypeMessagingSend     = "messagingSend"
	NodeTypeWebhookResponse   = "webhookResponse"
)

// Handle names reserved for configuration edges (§3, Edge). An edge whose
// TargetHandle is one of these expresses configuration composition, not an
// execution dependency, and must be excluded from layer analysis.
const (
	HandleInputMemory    = "input-memory"
	HandleInputSkill     = "input-skill"
	HandleInputTools     = "input-tools"
	HandleInputTeammates = "input-teammates"
	HandleInputTask      = "input-task"
)

var configHandles = map[string]bool{
	HandleInputMemory:    true,
	HandleInputSkill:     true,
	HandleInputTools:     true,
	HandleInputTeammates: true,
	HandleInputTask:      true,
}

// IsConfigHandle reports whether targetHandle denotes configuration wiring
// rather than a data dependency.
func IsConfigHandle(targetHandle string) bool {
	return configHandles[targetHandle]
}

// TypeRegistry maps a node type tag to its class. Populated by
// NewTypeRegistry and Register; callers needing the class of a type not registered
// here fall back to NodeClassExecutable (the forgiving default, §4.4).
type TypeRegistry struct {
	classes map[string]NodeClass
}

// NewTypeRegistry returns a registry pre-populated with the well-known
// trigger/config/toolkit/agent types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{classes: make(map[string]NodeClass)}
	r.Register(NodeTypeStart, NodeClassTrigger)
	r.Register(NodeTypeCronScheduler, NodeClassTrigger)
	r.Register(NodeTypeWebhookTrigger, NodeClassTrigger)
	r.Register(NodeTypeMessagingReceive, NodeClassTrigger)
	r.Register(NodeTypeMemoryConfig, NodeClassConfig)
	r.Register(NodeTypeSkillConfig, NodeClassConfig)
	r.Register(NodeTypeModelConfig, NodeClassConfig)
	r.Register(NodeTypeToolkit, NodeClassToolkit)
	r.Register(NodeTypeAIAgent, NodeClassAgent)
	return r
}

// Register binds a node type tag to a class.
func (r *TypeRegistry) Register(nodeType string, class NodeClass) {
	r.classes[nodeType] = class
}

// ClassOf returns the class for a node type, defaulting to executable.
func (r *TypeRegistry) ClassOf(nodeType string) NodeClass {
	if c, ok := r.classes[nodeType]; ok {
		return c
	}
	return NodeClassExecutable
}

// IsTrigger, IsConfig, IsToolkit and IsAgent are convenience predicates
// mirroring the capability set described in DESIGN NOTES §9.
func (r *TypeRegistry) IsTrigger(nodeType string) bool { return r.ClassOf(nodeType) == NodeClassTrigger }
func (r *TypeRegistry) IsConfig(nodeType string) bool  { return r.ClassOf(nodeType) == NodeClassConfig }
func (r *TypeRegistry) IsToolkit(nodeType string) bool { return r.ClassOf(nodeType) == NodeClassToolkit }
func (r *TypeRegistry) IsAgent(nodeType string) bool   { return r.ClassOf(nodeType) == NodeClassAgent }

// Node represents a single node in the workflow DAG (§3).
type Node struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Data        map[string]interface{} `json:"data"`
	Position    *Position              `json:"position,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// PreExecuted marks a node seeded from a fired trigger: the
	// DeploymentManager pre-executes the trigger node and stamps its
	// output here rather than letting the executor run it.
	PreExecuted   bool        `json:"_pre_executed,omitempty"`
	TriggerOutput interface{} `json:"_trigger_output,omitempty"`
}

// Position is the visual position of a node in the editor canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Label returns the human-readable label from Data, if present.
func (n *Node) Label() string {
	if n.Data == nil {
		return n.ID
	}
	if label, ok := n.Data["label"].(string); ok && label != "" {
		return label
	}
	return n.ID
}

// Disabled reports whether the node is administratively disabled. Disabled
// nodes transition directly to skipped on first inspection (§4.6.2).
func (n *Node) Disabled() bool {
	if n.Data == nil {
		return false
	}
	disabled, _ := n.Data["disabled"].(bool)
	return disabled
}

// Parameters returns the node-local parameters map from Data, creating an
// empty one if absent so callers can merge into it safely.
func (n *Node) Parameters() map[string]interface{} {
	if n.Data == nil {
		return map[string]interface{}{}
	}
	if params, ok := n.Data["parameters"].(map[string]interface{}); ok {
		return params
	}
	return map[string]interface{}{}
}

// Validate validates the node structure.
func (n *Node) Validate() error {
	if n.ID == "" {
		return &ValidationError{Field: "id", Message: "node ID is required"}
	}
	if n.Type == "" {
		return &ValidationError{Field: "type", Message: "node type is required"}
	}
	return nil
}

func (n *Node) String() string {
	return fmt.Sprintf("Node{id=%s type=%s}", n.ID, n.Type)
}
