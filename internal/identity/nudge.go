package identity

// NudgeThreshold is the interaction count at which an anonymous user is first
// prompted to sign up.
const NudgeThreshold = 3

// ShouldShowNudge decides whether the signup nudge should be raised for s.
// It has no side effects.
func ShouldShowNudge(s Snapshot) bool {
	return s.Status == Anonymous &&
		s.InteractionCount >= NudgeThreshold &&
		!s.ShowSignupNudge &&
		!s.NudgeFired
}
