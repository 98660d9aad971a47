// Package ir provides the shared domain types for convo.
//
// This package contains type definitions, identity helpers and the error
// taxonomy. All other internal packages import ir; ir imports nothing
// internal. This keeps ir the foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - Messages are immutable once written and are referenced, never copied
//   - Manifests are ordered lists of message ids plus lineage metadata
//   - Blob identity is the plain SHA-256 of the content bytes
//   - All JSON tags use snake_case
package ir
