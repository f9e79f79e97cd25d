package chat

import "open3/internal/service/llm/catalog"

// FallbackModel is the free model used when a request names a paid model but
// carries no credential.
const FallbackModel = "deepseek/deepseek-chat-v3-0324:free"

// ResolveEffectiveModel decides which model a completion actually runs on.
// A credential unlocks any model; without one, only free models run as
// requested and everything else falls back. The requested model is still
// what gets recorded on the message.
func ResolveEffectiveModel(requested string, hasCredential bool, registry *catalog.Registry) string {
	if hasCredential {
		return requested
	}
	if registry.IsFree(requested) {
		return requested
	}
	return FallbackModel
}
