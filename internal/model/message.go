// Package model defines the canonical message and tool-call types shared
// across channels, the pipeline, and the LLM service.
package model

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Attachment is a file payload carried alongside a message, either inline
// (base64) or by reference (URL/path) depending on the channel.
type Attachment struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data,omitempty"` // base64, when inline
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
}

// NormalizedMessage is the canonical inbound message shape every Channel
// normalises platform events into before handing them to the shared handler.
// It is immutable after creation.
type NormalizedMessage struct {
	ID                 string       `json:"id"`
	ChannelID          string       `json:"channelId"`
	ConversationID     string       `json:"conversationId"`
	SenderID           string       `json:"senderId"`
	SenderName         string       `json:"senderName,omitempty"`
	Text               string       `json:"text"`
	Timestamp          int64        `json:"timestamp"` // epoch ms
	PlatformMessageID  string       `json:"platformMessageId,omitempty"`
	Attachments        []Attachment `json:"attachments,omitempty"`
}

// OutgoingMessage is what a Channel is asked to deliver.
type OutgoingMessage struct {
	Text              string       `json:"text"`
	ReplyToMessageID  string       `json:"replyToMessageId,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

// Role values for ChatMessage.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is the LLM-layer representation of one turn.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"` // tool role only
}

// ToolDefinition describes a callable tool to an LLM backend.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// FunctionCall carries the raw name/arguments pair an LLM emitted.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded object
}

// ToolCall is one invocation request emitted by an LLM turn.
type ToolCall struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Function FunctionCall `json:"function"`
}

// Arguments unmarshals the tool call's JSON-encoded argument string into a
// map. An empty or malformed argument string yields an empty map, never an
// error — callers treat missing arguments as "none supplied".
func (tc ToolCall) Arguments() map[string]any {
	out := map[string]any{}
	if tc.Function.Arguments == "" {
		return out
	}
	_ = json.Unmarshal([]byte(tc.Function.Arguments), &out)
	return out
}

// Channel status values reported by Channel.GetStatus.
const (
	ChannelDisconnected = "disconnected"
	ChannelConnecting   = "connecting"
	ChannelConnected    = "connected"
	ChannelError        = "error"
)

// ChannelInfo is the externally-reported status of one channel.
type ChannelInfo struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
