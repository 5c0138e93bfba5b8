package transport

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/parleyvoice/parley/internal/session"
)

// controlFrame is the envelope shared by all inbound JSON control frames.
// Only Type is interpreted by the core; SDP is the only other field decoded,
// and the rest of the body is not retained.
type controlFrame struct {
	Type string `json:"type"`
	SDP  string `json:"sdp,omitempty"`
}

// classify decides whether an inbound payload is a control frame. A payload
// is control iff it is a valid JSON object carrying a non-empty "type"
// field; everything else is treated as a binary audio frame.
func classify(data []byte) (controlFrame, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return controlFrame{}, false
	}
	var cf controlFrame
	if err := json.Unmarshal(data, &cf); err != nil || cf.Type == "" {
		return controlFrame{}, false
	}
	return cf, true
}

// ---- outbound frames --------------------------------------------------------

// cannedSDPAnswer is the synthetic answer returned for SDP offers so that
// clients waiting on media negotiation are not blocked in environments
// without a real media stack.
const cannedSDPAnswer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=Parley Audio\r\n"

func readyFrame(sessionID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":       "ready",
		"session_id": sessionID,
	})
	return b
}

func stateChangeFrame(tr session.Transition) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":       "state_change",
		"state":      tr.To,
		"transition": tr,
		"timestamp":  tr.Timestamp.UnixMilli(),
	})
	return b
}

func thinkingFrame() []byte {
	b, _ := json.Marshal(map[string]any{
		"type":      "llm_thinking",
		"timestamp": time.Now().UnixMilli(),
	})
	return b
}

func stopTTSFrame() []byte {
	b, _ := json.Marshal(map[string]any{
		"type":      "stop-tts",
		"timestamp": time.Now().UnixMilli(),
	})
	return b
}

func answerFrame() []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "answer",
		"sdp":  cannedSDPAnswer,
	})
	return b
}

// audioFrame lays out one outbound audio delivery: a JSON header line
// terminated by a newline, immediately followed by the raw PCM bytes, all
// in a single message.
func audioFrame(pcm []byte, final bool) []byte {
	header, _ := json.Marshal(map[string]any{
		"type":      "audio",
		"is_final":  final,
		"timestamp": time.Now().UnixMilli(),
	})
	out := make([]byte, 0, len(header)+1+len(pcm))
	out = append(out, header...)
	out = append(out, '\n')
	return append(out, pcm...)
}
