package chat

// ShouldRespond resolves enablement for one sender.
//
// With the global flag on, every sender is answered unless its override is
// explicitly false (opt-out). With the global flag off, only senders whose
// override is explicitly true are answered (opt-in).
func ShouldRespond(global, override, hasOverride bool) bool {
	if global {
		return !hasOverride || override
	}
	return hasOverride && override
}
