package model

// Output-stream wire contract between generated programs and the
// orchestrator. Progress lines are individually JSON-encoded LogEvents
// tagged with ProgressPrefix; the final outcome is a single JSON object
// between the result markers. Everything else on the stream is arbitrary
// program output.
const (
	ProgressPrefix    = "OPTIFORGE_PROGRESS "
	ResultStartMarker = "RESULT_START"
	ResultEndMarker   = "RESULT_END"
)
