// Package providers contains the concrete supplier adapters behind the
// image.Adapter interface.
//
// Two adapter shapes exist: the direct-vendor adapter (Gemini) speaks the
// supplier's native generateContent wire format and extracts inline base64
// image payloads, while the aggregator-gateway adapter (OpenRouter) goes
// through an OpenAI-compatible chat endpoint and degrades to a text-only
// payload when the gateway rejects a multimodal shape.
//
// Error classification is shared: structured provider error codes are
// preferred, HTTP status comes next, and text-signature matching is kept
// only as a versioned fallback table.
package providers
