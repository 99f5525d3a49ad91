// Package gemini implements image editing with a Gemini image model over the
// generateContent REST API.
package gemini
