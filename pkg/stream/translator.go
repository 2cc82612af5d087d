// Package stream translates the code-generation tool's line-delimited JSON
// output into ordered typed events for SSE delivery.
package stream

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
)

// EventKind classifies a translated process event.
type EventKind string

const (
	KindChunk      EventKind = "chunk"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindProgress   EventKind = "progress"
	KindError      EventKind = "error"
	KindCompletion EventKind = "completion"
	KindUnparsed   EventKind = "unparsed"
)

// Truncation limits for embedded payloads.
const (
	maxToolInputLen  = 300
	maxToolOutputLen = 500
	maxUnparsedLen   = 500
)

// ProcessEvent is one translated event. Seq is assigned at emission in read
// order and is monotonic per translator with no gaps.
type ProcessEvent struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Translator converts tool output lines into events. One translator per
// subprocess run; not safe for concurrent use, callers feed lines in read
// order from a single goroutine.
type Translator struct {
	seq       uint64
	now       func() time.Time
	log       *logging.Logger
	sessionID string
}

func NewTranslator() *Translator {
	return &Translator{now: time.Now, log: logging.Nop()}
}

// SetLogger attaches a logger for diagnostics about records that translate
// to no events. sessionID tags the log lines.
func (t *Translator) SetLogger(log *logging.Logger, sessionID string) {
	if log == nil {
		log = logging.Nop()
	}
	t.log = log
	t.sessionID = sessionID
}

// Translate parses one output line and returns zero or more events.
// Lines that are not valid JSON yield a single unparsed event; translation
// never fails.
func (t *Translator) Translate(line []byte) []ProcessEvent {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return []ProcessEvent{t.emit(KindUnparsed, "unrecognized tool output", map[string]any{
			"raw": truncate(strings.ToValidUTF8(trimmed, "�"), maxUnparsedLen),
		})}
	}

	switch stringField(record, "type") {
	case "system":
		return t.translateSystem(record)
	case "stream_event":
		return t.translateStreamEvent(record)
	case "assistant":
		return t.translateAssistant(record)
	case "user":
		return t.translateUser(record)
	case "result":
		return t.translateResult(record)
	}

	recordType := stringField(record, "type")
	if recordType == "" {
		recordType = "unknown"
	}
	_ = t.log.Debug(logging.CategoryStream, "record_dropped", t.sessionID,
		"ignoring record type "+recordType, nil)
	return nil
}

func (t *Translator) translateSystem(record map[string]any) []ProcessEvent {
	if stringField(record, "subtype") != "init" {
		return nil
	}
	return []ProcessEvent{t.emit(KindProgress, "tool session initialized", map[string]any{
		"session_id": stringField(record, "session_id"),
	})}
}

func (t *Translator) translateStreamEvent(record map[string]any) []ProcessEvent {
	inner, _ := record["event"].(map[string]any)
	if stringField(inner, "type") != "content_block_delta" {
		return nil
	}
	delta, _ := inner["delta"].(map[string]any)
	if stringField(delta, "type") != "text_delta" {
		return nil
	}
	text := stringField(delta, "text")
	if text == "" {
		return nil
	}
	return []ProcessEvent{t.emitText(text)}
}

func (t *Translator) translateAssistant(record map[string]any) []ProcessEvent {
	var events []ProcessEvent
	for _, block := range contentBlocks(record) {
		switch stringField(block, "type") {
		case "tool_use":
			name := stringField(block, "name")
			if name == "" {
				name = "unknown"
			}
			details := map[string]any{"tool": name}
			if input, ok := block["input"].(map[string]any); ok && len(input) > 0 {
				if encoded, err := json.Marshal(input); err == nil {
					details["input"] = truncate(string(encoded), maxToolInputLen)
				}
			}
			events = append(events, t.emit(KindToolCall, "Executing: "+name, details))
		case "text":
			if text := stringField(block, "text"); text != "" {
				events = append(events, t.emitText(text))
			}
		}
	}
	return events
}

func (t *Translator) translateUser(record map[string]any) []ProcessEvent {
	var events []ProcessEvent
	for _, block := range contentBlocks(record) {
		if stringField(block, "type") != "tool_result" {
			continue
		}
		isError, _ := block["is_error"].(bool)
		output := flattenContent(block["content"])

		msg := "Tool completed"
		kind := KindToolResult
		if isError {
			msg = "Tool failed"
		}
		events = append(events, t.emit(kind, msg, map[string]any{
			"output":   truncate(output, maxToolOutputLen),
			"is_error": isError,
		}))
	}
	return events
}

func (t *Translator) translateResult(record map[string]any) []ProcessEvent {
	text := stringField(record, "result")
	isError, _ := record["is_error"].(bool)

	var events []ProcessEvent
	if isError {
		detail := truncate(text, maxToolOutputLen)
		if detail == "" {
			detail = "Unknown error"
		}
		events = append(events, t.emit(KindError, "Execution failed", map[string]any{
			"error": detail,
		}))
		if text != "" {
			events = append(events, t.emitText("\n\n**Error:**\n"+text))
		}
	} else if text != "" {
		events = append(events, t.emitText(text))
	}
	events = append(events, t.emit(KindCompletion, "tool run finished", map[string]any{
		"is_error": isError,
	}))
	return events
}

// Synthesize emits an event that did not come from tool output, such as a
// launch notice or the terminal status. It takes the next sequence number so
// ordering stays gap-free.
func (t *Translator) Synthesize(kind EventKind, message string, details map[string]any) ProcessEvent {
	return t.emit(kind, message, details)
}

func (t *Translator) emit(kind EventKind, message string, details map[string]any) ProcessEvent {
	t.seq++
	return ProcessEvent{
		Seq:       t.seq,
		Kind:      kind,
		Message:   message,
		Details:   details,
		Timestamp: t.now(),
	}
}

func (t *Translator) emitText(text string) ProcessEvent {
	return t.emit(KindChunk, strings.ToValidUTF8(text, "�"), nil)
}

// contentBlocks extracts message content blocks. The tool nests content under
// "message" for assistant records but some record shapes carry it top level.
func contentBlocks(record map[string]any) []map[string]any {
	raw, ok := record["content"].([]any)
	if !ok {
		if msg, ok2 := record["message"].(map[string]any); ok2 {
			raw, _ = msg["content"].([]any)
		}
	}
	blocks := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if block, ok := item.(map[string]any); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// truncate caps s at max bytes, backing up to a rune boundary so a multibyte
// character is never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
