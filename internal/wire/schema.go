package wire

import (
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/slatedraw/slate/internal/syncerr"
)

// eventSchema constrains incoming remote events. Malformed events are
// dropped with a warning; they never affect connection state.
//
// The box and metadata bodies stay open: the engine forwards element
// contents opaquely and must not reject elements with fields it has never
// seen.
const eventSchema = `
#SyncEvent: {
	id:        string & !=""
	type:      "create" | "update" | "move" | "resize" | "style" | "delete" | "z-index" | "box_initial_state"
	userId:    string & !=""
	noteId:    string & !=""
	timestamp: int & >0
	elementId: string & !=""
	box?: {...}
	previousBox?: {...}
	metadata?: {...}
}
`

var (
	schemaOnce sync.Once
	schemaVal  cue.Value
)

func eventSchemaValue() cue.Value {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		schemaVal = ctx.CompileString(eventSchema).LookupPath(cue.ParsePath("#SyncEvent"))
	})
	return schemaVal
}

// ValidateEvent checks an incoming event against the wire schema.
// Returns a VALIDATION_ERROR SyncError describing the first violation, or
// nil for a well-formed event.
func ValidateEvent(ev SyncEvent) error {
	// Cheap checks first; these cover the common corruption cases without
	// touching the CUE evaluator.
	if ev.ElementID == "" {
		return syncerr.NewValidation(ev.NoteID, "", "event missing elementId")
	}
	if ev.ID == "" {
		return syncerr.NewValidation(ev.NoteID, string(ev.ElementID), "event missing id")
	}

	schema := eventSchemaValue()
	if err := schema.Err(); err != nil {
		return syncerr.NewValidation(ev.NoteID, string(ev.ElementID), "event schema failed to compile: "+err.Error())
	}
	encoded := schema.Context().Encode(ev)
	if err := encoded.Err(); err != nil {
		return syncerr.NewValidation(ev.NoteID, string(ev.ElementID), "event not encodable: "+err.Error())
	}
	if err := schema.Unify(encoded).Validate(cue.Concrete(true)); err != nil {
		return syncerr.NewValidation(ev.NoteID, string(ev.ElementID), err.Error())
	}
	return nil
}
