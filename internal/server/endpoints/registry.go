package endpoints

import (
	"github.com/transdesk/transdesk/internal/api"
)

// All returns all endpoint instances in registration order. The file
// catch-all stays last.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health
		&HealthEndpoint{},

		// Clients
		&CreateClientEndpoint{},
		&ListClientsEndpoint{},
		&GetClientEndpoint{},
		&DeleteClientEndpoint{},

		// Materials
		&ListMaterialsEndpoint{},
		&GetMaterialEndpoint{},
		&DeleteMaterialEndpoint{},
		&UploadMaterialsEndpoint{},
		&UploadURLsEndpoint{},

		// Pipeline
		&StartTranslationEndpoint{},
		&RetranslateEndpoint{},
		&RotateEndpoint{},
		&ConfirmEndpoint{},
		&UnconfirmEndpoint{},
		&LLMTranslateEndpoint{},
		&SaveRegionsEndpoint{},
		&SaveFinalImageEndpoint{},

		// Entities
		&EntityRecognitionEndpoint{},
		&SessionEntityRecognitionEndpoint{},
		&ConfirmEntitiesEndpoint{},
		&SkipEntitiesEndpoint{},

		// Export and events
		&ExportEndpoint{},
		&EventsEndpoint{},

		// Files
		&FileEndpoint{},
	}
}
