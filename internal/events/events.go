package events

// Event names the frontend listens for.
const (
	TranslationStarted   = "translation_started"
	TranslationCompleted = "translation_completed"
	MaterialUpdated      = "material_updated"
	MaterialError        = "material_error"
	LLMStarted           = "llm_started"
	LLMCompleted         = "llm_completed"
	LLMError             = "llm_error"
)

func materialRooms(clientID, materialID string) []string {
	return []string{ClientRoom(clientID), MaterialRoom(materialID)}
}

// NewTranslationStarted announces that OCR translation began.
func NewTranslationStarted(clientID, materialID string) Event {
	return Event{
		Name:  TranslationStarted,
		Rooms: materialRooms(clientID, materialID),
		Payload: map[string]any{
			"material_id": materialID,
			"client_id":   clientID,
		},
	}
}

// NewTranslationCompleted announces a finished OCR translation.
func NewTranslationCompleted(clientID, materialID, status string) Event {
	return Event{
		Name:  TranslationCompleted,
		Rooms: materialRooms(clientID, materialID),
		Payload: map[string]any{
			"material_id": materialID,
			"client_id":   clientID,
			"status":      status,
		},
	}
}

// NewMaterialUpdated announces any step or status change.
func NewMaterialUpdated(clientID, materialID, step, status string, progress int) Event {
	return Event{
		Name:  MaterialUpdated,
		Rooms: materialRooms(clientID, materialID),
		Payload: map[string]any{
			"material_id":     materialID,
			"client_id":       clientID,
			"processing_step": step,
			"status":          status,
			"progress":        progress,
		},
	}
}

// NewMaterialError announces a failed stage.
func NewMaterialError(clientID, materialID, message string) Event {
	return Event{
		Name:  MaterialError,
		Rooms: materialRooms(clientID, materialID),
		Payload: map[string]any{
			"material_id": materialID,
			"client_id":   clientID,
			"error":       message,
		},
	}
}

// NewLLMStarted announces the start of LLM refinement.
func NewLLMStarted(clientID, materialID string, progress int) Event {
	return Event{
		Name:  LLMStarted,
		Rooms: materialRooms(clientID, materialID),
		Payload: map[string]any{
			"material_id": materialID,
			"client_id":   clientID,
			"progress":    progress,
		},
	}
}

// NewLLMCompleted announces finished LLM refinement.
func NewLLMCompleted(clientID, materialID string, progress, translations int) Event {
	return Event{
		Name:  LLMCompleted,
		Rooms: materialRooms(clientID, materialID),
		Payload: map[string]any{
			"material_id":  materialID,
			"client_id":    clientID,
			"progress":     progress,
			"translations": translations,
		},
	}
}

// NewLLMError announces failed LLM refinement.
func NewLLMError(clientID, materialID, message string) Event {
	return Event{
		Name:  LLMError,
		Rooms: materialRooms(clientID, materialID),
		Payload: map[string]any{
			"material_id": materialID,
			"client_id":   clientID,
			"error":       message,
		},
	}
}
