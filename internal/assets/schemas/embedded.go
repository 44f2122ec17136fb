// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// PublishEventSchema is the embedded publish-event JSON schema.
//
//go:embed publish-event.schema.json
var PublishEventSchema []byte
