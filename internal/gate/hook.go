package gate

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// hookOutput is the PreToolUse response understood by the claude CLI.
type hookOutput struct {
	HookSpecificOutput struct {
		HookEventName            string `json:"hookEventName"`
		PermissionDecision       string `json:"permissionDecision"`
		PermissionDecisionReason string `json:"permissionDecisionReason"`
	} `json:"hookSpecificOutput"`
}

// HookResponse evaluates a PreToolUse hook payload. It returns nil when the
// tool call may proceed, or the JSON body that denies it. Only Bash tool
// calls are gated.
func (g *Gate) HookResponse(payload []byte) ([]byte, Decision) {
	if !gjson.ValidBytes(payload) {
		d := deny(ReasonMalformed, "hook payload is not valid JSON")
		return DenyResponse(d), d
	}
	if gjson.GetBytes(payload, "tool_name").String() != "Bash" {
		return nil, allow()
	}
	command := gjson.GetBytes(payload, "tool_input.command").String()
	d := g.EvaluateLine(command)
	if d.Allowed {
		return nil, d
	}
	return DenyResponse(d), d
}

// DenyResponse renders a denial as a hook response body.
func DenyResponse(d Decision) []byte {
	var out hookOutput
	out.HookSpecificOutput.HookEventName = "PreToolUse"
	out.HookSpecificOutput.PermissionDecision = "deny"
	out.HookSpecificOutput.PermissionDecisionReason = string(d.Reason) + ": " + d.Message
	data, _ := json.Marshal(out)
	return data
}

// DenyAll is used when no gate could be built; every Bash call is refused.
func DenyAll(err error) Decision {
	return deny(ReasonNotAllowlisted, "command policy unavailable: %v", err)
}
