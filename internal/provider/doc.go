// Package provider defines the narrow contracts between the workflow engine
// and the external capabilities it drives: prompt derivation, image synthesis,
// image editing and object storage. Concrete implementations live in the
// bedrock, gemini and storage packages.
//
// Every implementation reports failures as *Error classified as Transient or
// Permanent. Anything else returned from a provider is treated by the engine
// as an unclassified fault.
package provider
