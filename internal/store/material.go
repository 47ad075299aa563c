package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/transdesk/transdesk/internal/statemachine"
)

// MaterialKind discriminates the three source types.
type MaterialKind string

const (
	KindImage   MaterialKind = "image"
	KindPDF     MaterialKind = "pdf"
	KindWebpage MaterialKind = "webpage"
)

// Material is one translatable artifact. Nested structures (OCR result, LLM
// result, entity edits, region overlays) are serialized to JSON TEXT columns;
// the typed accessors below handle both directions.
type Material struct {
	ID       string       `db:"id" json:"id"`
	ClientID string       `db:"client_id" json:"client_id"`
	Kind     MaterialKind `db:"kind" json:"type"`

	FilePath         string `db:"file_path" json:"file_path,omitempty"`
	URL              string `db:"url" json:"url,omitempty"`
	OriginalFilename string `db:"original_filename" json:"original_filename,omitempty"`

	Status         string            `db:"status" json:"status"`
	ProcessingStep statemachine.Step `db:"processing_step" json:"processing_step"`
	Progress       int               `db:"progress" json:"progress"`

	TranslationTextInfo  *string `db:"translation_text_info" json:"translation_text_info,omitempty"`
	LLMTranslationResult *string `db:"llm_translation_result" json:"llm_translation_result,omitempty"`
	TranslationError     *string `db:"translation_error" json:"translation_error,omitempty"`
	TranslatedImagePath  string  `db:"translated_image_path" json:"translated_image_path,omitempty"`

	EntityRecognitionEnabled   bool    `db:"entity_recognition_enabled" json:"entity_recognition_enabled"`
	EntityRecognitionMode      string  `db:"entity_recognition_mode" json:"entity_recognition_mode,omitempty"`
	EntityRecognitionResult    *string `db:"entity_recognition_result" json:"entity_recognition_result,omitempty"`
	EntityRecognitionConfirmed bool    `db:"entity_recognition_confirmed" json:"entity_recognition_confirmed"`
	EntityRecognitionTriggered bool    `db:"entity_recognition_triggered" json:"entity_recognition_triggered"`
	EntityUserEdits            *string `db:"entity_user_edits" json:"entity_user_edits,omitempty"`
	EntityRecognitionError     *string `db:"entity_recognition_error" json:"entity_recognition_error,omitempty"`

	EditedRegions    *string `db:"edited_regions" json:"edited_regions,omitempty"`
	FinalImagePath   string  `db:"final_image_path" json:"final_image_path,omitempty"`
	HasEditedVersion bool    `db:"has_edited_version" json:"has_edited_version"`
	SelectedResult   string  `db:"selected_result" json:"selected_result,omitempty"`

	PDFSessionID    string `db:"pdf_session_id" json:"pdf_session_id,omitempty"`
	PDFPageNumber   int    `db:"pdf_page_number" json:"pdf_page_number,omitempty"`
	PDFTotalPages   int    `db:"pdf_total_pages" json:"pdf_total_pages,omitempty"`
	PDFOriginalFile string `db:"pdf_original_file" json:"pdf_original_file,omitempty"`

	OriginalPDFPath string `db:"original_pdf_path" json:"original_pdf_path,omitempty"`

	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Point is one vertex of a region polygon.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Region is one OCR-identified text box.
type Region struct {
	ID        int     `json:"id"`
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	Points    []Point `json:"points"`
	LineCount int     `json:"lineCount"`
}

// TranslationStats summarizes an OCR result.
type TranslationStats struct {
	RegionCount   int `json:"regionCount"`
	SrcCharacters int `json:"srcCharacters"`
	DstCharacters int `json:"dstCharacters"`
}

// TranslationInfo is the parsed translation_text_info column.
type TranslationInfo struct {
	Regions    []Region         `json:"regions"`
	SourceLang string           `json:"sourceLang,omitempty"`
	TargetLang string           `json:"targetLang,omitempty"`
	Statistics TranslationStats `json:"statistics"`
}

// LLMTranslation is one entry of the llm_translation_result column.
type LLMTranslation struct {
	ID          int    `json:"id"`
	Translation string `json:"translation"`
	Original    string `json:"original"`
}

// Entity is one recognized entity as returned by the provider or edited by
// the user.
type Entity struct {
	ChineseName string `json:"chinese_name"`
	EnglishName string `json:"english_name,omitempty"`
	Source      string `json:"source,omitempty"`
	Confidence  string `json:"confidence,omitempty"`
	Type        string `json:"type,omitempty"`
}

// Guidance holds the user-confirmed entity-to-translation mappings that
// parameterize the LLM prompt. All four keys are always present, any may be
// empty.
type Guidance struct {
	Persons       []string `json:"persons"`
	Locations     []string `json:"locations"`
	Organizations []string `json:"organizations"`
	Terms         []string `json:"terms"`
}

// EnsureLists replaces nil guidance lists with empty ones so the stored
// JSON always carries all four keys.
func (g *Guidance) EnsureLists() {
	if g.Persons == nil {
		g.Persons = []string{}
	}
	if g.Locations == nil {
		g.Locations = []string{}
	}
	if g.Organizations == nil {
		g.Organizations = []string{}
	}
	if g.Terms == nil {
		g.Terms = []string{}
	}
}

// EntityEdits is the parsed entity_user_edits column.
type EntityEdits struct {
	Entities            []Entity `json:"entities"`
	TranslationGuidance Guidance `json:"translationGuidance"`
}

// TranslationInfoData parses the translation_text_info column. Returns nil
// when the column is empty.
func (m *Material) TranslationInfoData() (*TranslationInfo, error) {
	if m.TranslationTextInfo == nil || *m.TranslationTextInfo == "" {
		return nil, nil
	}
	var info TranslationInfo
	if err := json.Unmarshal([]byte(*m.TranslationTextInfo), &info); err != nil {
		return nil, fmt.Errorf("parse translation_text_info: %w", err)
	}
	return &info, nil
}

// SetTranslationInfo serializes info into translation_text_info.
func (m *Material) SetTranslationInfo(info *TranslationInfo) error {
	if info == nil {
		m.TranslationTextInfo = nil
		return nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("serialize translation_text_info: %w", err)
	}
	s := string(raw)
	m.TranslationTextInfo = &s
	return nil
}

// LLMTranslations parses the llm_translation_result column.
func (m *Material) LLMTranslations() ([]LLMTranslation, error) {
	if m.LLMTranslationResult == nil || *m.LLMTranslationResult == "" {
		return nil, nil
	}
	var out []LLMTranslation
	if err := json.Unmarshal([]byte(*m.LLMTranslationResult), &out); err != nil {
		return nil, fmt.Errorf("parse llm_translation_result: %w", err)
	}
	return out, nil
}

// SetLLMTranslations serializes translations into llm_translation_result.
func (m *Material) SetLLMTranslations(translations []LLMTranslation) error {
	if translations == nil {
		m.LLMTranslationResult = nil
		return nil
	}
	raw, err := json.Marshal(translations)
	if err != nil {
		return fmt.Errorf("serialize llm_translation_result: %w", err)
	}
	s := string(raw)
	m.LLMTranslationResult = &s
	return nil
}

// EntityEditsData parses the entity_user_edits column.
func (m *Material) EntityEditsData() (*EntityEdits, error) {
	if m.EntityUserEdits == nil || *m.EntityUserEdits == "" {
		return nil, nil
	}
	var edits EntityEdits
	if err := json.Unmarshal([]byte(*m.EntityUserEdits), &edits); err != nil {
		return nil, fmt.Errorf("parse entity_user_edits: %w", err)
	}
	return &edits, nil
}

// SetEntityEdits serializes edits into entity_user_edits.
func (m *Material) SetEntityEdits(edits *EntityEdits) error {
	if edits == nil {
		m.EntityUserEdits = nil
		return nil
	}
	raw, err := json.Marshal(edits)
	if err != nil {
		return fmt.Errorf("serialize entity_user_edits: %w", err)
	}
	s := string(raw)
	m.EntityUserEdits = &s
	return nil
}

// EditedRegionsRaw returns the edited_regions column verbatim. The overlays
// are written and read only by the browser, so the store preserves the exact
// bytes rather than round-tripping through Go types.
func (m *Material) EditedRegionsRaw() json.RawMessage {
	if m.EditedRegions == nil {
		return nil
	}
	return json.RawMessage(*m.EditedRegions)
}

// SetEditedRegionsRaw stores the overlays verbatim.
func (m *Material) SetEditedRegionsRaw(raw json.RawMessage) {
	if raw == nil {
		m.EditedRegions = nil
		return
	}
	s := string(raw)
	m.EditedRegions = &s
}

// SetStep sets processing_step and keeps status as its canonical display
// mapping.
func (m *Material) SetStep(step statemachine.Step) {
	m.ProcessingStep = step
	m.Status = statemachine.Display(step)
}

// SetError stores a translation error message (nil clears it).
func (m *Material) SetError(msg string) {
	if msg == "" {
		m.TranslationError = nil
		return
	}
	m.TranslationError = &msg
}

// SetEntityError stores an entity recognition error message (nil clears it).
func (m *Material) SetEntityError(msg string) {
	if msg == "" {
		m.EntityRecognitionError = nil
		return
	}
	m.EntityRecognitionError = &msg
}

// ClearIntermediate wipes derived results. Used by retranslate and rotate;
// rotate additionally clears the OCR result via full=true.
func (m *Material) ClearIntermediate(full bool) {
	m.LLMTranslationResult = nil
	m.EditedRegions = nil
	m.FinalImagePath = ""
	m.HasEditedVersion = false
	m.TranslatedImagePath = ""
	m.SelectedResult = ""
	if full {
		m.TranslationTextInfo = nil
		m.TranslationError = nil
		m.Progress = 0
		m.EntityRecognitionResult = nil
		m.EntityUserEdits = nil
		m.EntityRecognitionConfirmed = false
		m.EntityRecognitionTriggered = false
		m.EntityRecognitionError = nil
	}
}
