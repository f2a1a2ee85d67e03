package capability

import "fmt"

// Violation is returned when a token fails enforcement. It carries the
// identifiers the audit trail needs; the offending tool call aborts, nothing
// else does.
type Violation struct {
	ToolName  string
	Delegatee string
	Action    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("capability violation: delegatee %q may not perform %q via tool %q",
		v.Delegatee, v.Action, v.ToolName)
}

// Enforce validates a token against the action a tool requires.
//
// No token means fail-open: trusted internal and test callers bypass
// delegation entirely and are never refused. A supplied token means
// fail-closed: expired tokens and unauthorized actions are refused with a
// *Violation. Do not unify the two branches; tokenless internal call paths
// depend on the first and the security boundary depends on the second.
//
// The check is pure and synchronous. It performs no I/O and cannot block
// concurrent dispatch.
func Enforce(toolName, requiredAction string, token *Token) error {
	if token == nil {
		return nil
	}
	if !token.IsValid() || !token.CanPerform(requiredAction) {
		return &Violation{
			ToolName:  toolName,
			Delegatee: token.Delegatee,
			Action:    requiredAction,
		}
	}
	return nil
}
