package scopeauth

import "strings"

// Scope is a single parsed "repository:<name>:<action>" grant, reduced to
// the strongest action named in a comma-separated actions list (spec
// §4.5 "Scope string syntax").
type Scope struct {
	Repository string
	Action     Action
}

// ParseScopeString parses a space-separated list of
// "repository:<name>:<action,action,...>" tokens into Scopes, reducing
// each token's action list to its strongest member. "*" in the actions
// list means Delete. Malformed tokens are skipped.
func ParseScopeString(raw string) []Scope {
	var scopes []Scope
	for _, token := range strings.Fields(raw) {
		fields := strings.SplitN(token, ":", 3)
		if len(fields) != 3 || fields[0] != "repository" {
			continue
		}

		strongest := ActionNone
		for _, a := range strings.Split(fields[2], ",") {
			if a == "*" {
				strongest = ActionDelete
				break
			}
			if act := ParseAction(a); act > strongest {
				strongest = act
			}
		}
		if strongest == ActionNone {
			continue
		}
		scopes = append(scopes, Scope{Repository: fields[1], Action: strongest})
	}
	return scopes
}

// FormatScopeString serializes scopes back to the wire syntax, one token
// per scope, space-separated.
func FormatScopeString(scopes []Scope) string {
	tokens := make([]string, 0, len(scopes))
	for _, s := range scopes {
		tokens = append(tokens, "repository:"+s.Repository+":"+s.Action.String())
	}
	return strings.Join(tokens, " ")
}
