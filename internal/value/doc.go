// Package value defines the payload document model shared by every pipeline
// stage.
//
// Payloads are ordered-key documents whose leaves come from a fixed variant
// set (Null, Bool, Int, Float, String, Bytes, Time, List, Map). Extraction,
// transforms, validation and conflict comparison all operate on this type
// rather than on untyped maps.
package value
