package workflow

// Guard performs role/edge authorization against the transition table. It is
// side-effect free and safe to call speculatively; the version check against
// stale reads happens in the engine's persist step, not here.
type Guard struct{}

// Resolve finds the edge of the given kind out of from, preferring an
// explicit target when supplied. With no target, advance edges out of
// cmpdi_review are ambiguous and the engine picks the target before calling
// the guard.
func (Guard) Resolve(from Status, target Status, kind Kind) (Transition, error) {
	for _, tr := range Transitions(from) {
		if tr.Kind != kind {
			continue
		}
		if target != "" && tr.Target != target {
			continue
		}
		return tr, nil
	}
	return Transition{}, IllegalTransitionError{From: from, Target: target, Kind: kind}
}

// Authorize accepts or rejects a resolved transition for the actor's roles.
func (Guard) Authorize(roles []string, from Status, tr Transition) error {
	if hasRole(roles, tr.RequiredRole) || hasRole(roles, RoleAdmin) {
		return nil
	}
	return UnauthorizedError{Required: tr.RequiredRole, Roles: roles}
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
