// Package bedrock implements prompt derivation and image synthesis on Amazon
// Bedrock: a chat model through the Converse API and Nova Canvas through
// InvokeModel.
package bedrock
