package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/transdesk/transdesk/internal/statemachine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestClient(t *testing.T, s *Store) *Client {
	t.Helper()
	c := &Client{ID: uuid.NewString(), Name: "acme"}
	if err := s.InsertClient(context.Background(), c); err != nil {
		t.Fatalf("insert client: %v", err)
	}
	return c
}

func newTestMaterial(t *testing.T, s *Store, clientID string) *Material {
	t.Helper()
	m := &Material{
		ID:       uuid.NewString(),
		ClientID: clientID,
		Kind:     KindImage,
		FilePath: "uploads/a.jpg",
	}
	m.SetStep(statemachine.StepUploaded)
	if err := s.InsertMaterial(context.Background(), m); err != nil {
		t.Fatalf("insert material: %v", err)
	}
	return m
}

func TestClientCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := newTestClient(t, s)

	t.Run("get returns stored row", func(t *testing.T) {
		got, err := s.GetClient(ctx, c.ID)
		if err != nil {
			t.Fatalf("get client: %v", err)
		}
		if got.Name != "acme" {
			t.Errorf("name = %q, want acme", got.Name)
		}
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := s.GetClient(ctx, "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("archived clients drop from default list", func(t *testing.T) {
		c.Archived = true
		if err := s.UpdateClient(ctx, c); err != nil {
			t.Fatalf("update client: %v", err)
		}
		active, err := s.ListClients(ctx, false)
		if err != nil {
			t.Fatalf("list clients: %v", err)
		}
		for _, got := range active {
			if got.ID == c.ID {
				t.Error("archived client should not be listed")
			}
		}
		all, err := s.ListClients(ctx, true)
		if err != nil {
			t.Fatalf("list all clients: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("all clients = %d, want 1", len(all))
		}
	})
}

func TestMaterialOptimisticLocking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestClient(t, s)
	m := newTestMaterial(t, s, c.ID)

	if m.Version != 1 {
		t.Fatalf("fresh material version = %d, want 1", m.Version)
	}

	t.Run("update bumps version", func(t *testing.T) {
		m.SetStep(statemachine.StepTranslating)
		if err := s.UpdateMaterial(ctx, m); err != nil {
			t.Fatalf("update: %v", err)
		}
		if m.Version != 2 {
			t.Errorf("version after update = %d, want 2", m.Version)
		}
		got, err := s.GetMaterial(ctx, m.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ProcessingStep != statemachine.StepTranslating || got.Version != 2 {
			t.Errorf("stored step=%q version=%d", got.ProcessingStep, got.Version)
		}
	})

	t.Run("stale writer loses", func(t *testing.T) {
		stale, err := s.GetMaterial(ctx, m.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		fresh, _ := s.GetMaterial(ctx, m.ID)
		fresh.Progress = 50
		if err := s.UpdateMaterial(ctx, fresh); err != nil {
			t.Fatalf("first writer: %v", err)
		}
		stale.Progress = 10
		err = s.UpdateMaterial(ctx, stale)
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("second writer error = %v, want ErrVersionConflict", err)
		}
		got, _ := s.GetMaterial(ctx, m.ID)
		if got.Progress != 50 {
			t.Errorf("progress = %d, first writer's value should survive", got.Progress)
		}
	})

	t.Run("updating a deleted row reports not found", func(t *testing.T) {
		ghost := *m
		if err := s.DeleteMaterial(ctx, m.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.UpdateMaterial(ctx, &ghost); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestListMaterialsCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestClient(t, s)
	newTestMaterial(t, s, c.ID)

	first, err := s.ListMaterials(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("list = %d materials, want 1", len(first))
	}

	// A write through the store must bust the cached list.
	newTestMaterial(t, s, c.ID)
	second, err := s.ListMaterials(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(second) != 2 {
		t.Errorf("list after insert = %d materials, want 2", len(second))
	}
}

func TestSessionMaterials(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestClient(t, s)

	sessionID := uuid.NewString()
	for _, page := range []int{3, 1, 2} {
		m := &Material{
			ID:            uuid.NewString(),
			ClientID:      c.ID,
			Kind:          KindPDF,
			PDFSessionID:  sessionID,
			PDFPageNumber: page,
			PDFTotalPages: 3,
		}
		m.SetStep(statemachine.StepUploaded)
		if err := s.InsertMaterial(ctx, m); err != nil {
			t.Fatalf("insert page %d: %v", page, err)
		}
	}

	pages, err := s.ListSessionMaterials(ctx, sessionID)
	if err != nil {
		t.Fatalf("list session: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("session pages = %d, want 3", len(pages))
	}
	for i, p := range pages {
		if p.PDFPageNumber != i+1 {
			t.Errorf("pages[%d].PDFPageNumber = %d, want %d", i, p.PDFPageNumber, i+1)
		}
	}
}

func TestTransactAtomicSessionUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestClient(t, s)

	sessionID := uuid.NewString()
	for page := 1; page <= 2; page++ {
		m := &Material{
			ID:            uuid.NewString(),
			ClientID:      c.ID,
			Kind:          KindPDF,
			PDFSessionID:  sessionID,
			PDFPageNumber: page,
		}
		m.SetStep(statemachine.StepEntityPendingConfirm)
		if err := s.InsertMaterial(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	t.Run("commit applies to all siblings", func(t *testing.T) {
		err := s.Transact(ctx, func(tx *Tx) error {
			pages, err := tx.ListSessionMaterials(ctx, sessionID)
			if err != nil {
				return err
			}
			for i := range pages {
				pages[i].EntityRecognitionConfirmed = true
				if err := tx.UpdateMaterial(ctx, &pages[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("transact: %v", err)
		}
		pages, _ := s.ListSessionMaterials(ctx, sessionID)
		for _, p := range pages {
			if !p.EntityRecognitionConfirmed {
				t.Errorf("page %d not confirmed", p.PDFPageNumber)
			}
		}
	})

	t.Run("error rolls everything back", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Transact(ctx, func(tx *Tx) error {
			pages, err := tx.ListSessionMaterials(ctx, sessionID)
			if err != nil {
				return err
			}
			pages[0].Progress = 99
			if err := tx.UpdateMaterial(ctx, &pages[0]); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("transact error = %v, want boom", err)
		}
		pages, _ := s.ListSessionMaterials(ctx, sessionID)
		if pages[0].Progress == 99 {
			t.Error("rolled-back write is visible")
		}
	})
}

func TestMaterialJSONColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestClient(t, s)
	m := newTestMaterial(t, s, c.ID)

	info := &TranslationInfo{
		Regions: []Region{{
			ID:        1,
			Src:       "你好",
			Dst:       "hello",
			Points:    []Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 20}, {X: 0, Y: 20}},
			LineCount: 1,
		}},
		Statistics: TranslationStats{RegionCount: 1, SrcCharacters: 2, DstCharacters: 5},
	}
	if err := m.SetTranslationInfo(info); err != nil {
		t.Fatalf("set translation info: %v", err)
	}
	if err := m.SetLLMTranslations([]LLMTranslation{{ID: 1, Translation: "hi there", Original: "hello"}}); err != nil {
		t.Fatalf("set llm translations: %v", err)
	}
	edits := &EntityEdits{
		Entities: []Entity{{ChineseName: "张伟", EnglishName: "Zhang Wei", Type: "person"}},
		TranslationGuidance: Guidance{
			Persons:       []string{"张伟 -> Zhang Wei"},
			Locations:     []string{},
			Organizations: []string{},
			Terms:         []string{},
		},
	}
	if err := m.SetEntityEdits(edits); err != nil {
		t.Fatalf("set entity edits: %v", err)
	}
	if err := s.UpdateMaterial(ctx, m); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetMaterial(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	gotInfo, err := got.TranslationInfoData()
	if err != nil {
		t.Fatalf("parse translation info: %v", err)
	}
	if len(gotInfo.Regions) != 1 || gotInfo.Regions[0].Dst != "hello" {
		t.Errorf("translation info did not round-trip: %+v", gotInfo)
	}
	if len(gotInfo.Regions[0].Points) != 4 {
		t.Errorf("points = %d, want 4", len(gotInfo.Regions[0].Points))
	}

	llm, err := got.LLMTranslations()
	if err != nil {
		t.Fatalf("parse llm translations: %v", err)
	}
	if len(llm) != 1 || llm[0].Translation != "hi there" {
		t.Errorf("llm result did not round-trip: %+v", llm)
	}

	gotEdits, err := got.EntityEditsData()
	if err != nil {
		t.Fatalf("parse entity edits: %v", err)
	}
	if len(gotEdits.Entities) != 1 || gotEdits.Entities[0].EnglishName != "Zhang Wei" {
		t.Errorf("entity edits did not round-trip: %+v", gotEdits)
	}
	if gotEdits.TranslationGuidance.Locations == nil {
		t.Error("empty guidance list should stay non-nil")
	}
}

func TestClearIntermediate(t *testing.T) {
	m := &Material{FinalImagePath: "x", HasEditedVersion: true, Progress: 80}
	m.SetLLMTranslations([]LLMTranslation{{ID: 1, Translation: "t"}})
	m.SetTranslationInfo(&TranslationInfo{})
	m.SetError("old failure")

	t.Run("partial keeps ocr result", func(t *testing.T) {
		c := *m
		c.ClearIntermediate(false)
		if c.LLMTranslationResult != nil || c.FinalImagePath != "" || c.HasEditedVersion {
			t.Error("derived results should be wiped")
		}
		if c.TranslationTextInfo == nil {
			t.Error("ocr result should survive a partial clear")
		}
	})

	t.Run("full wipes ocr and errors", func(t *testing.T) {
		c := *m
		c.ClearIntermediate(true)
		if c.TranslationTextInfo != nil || c.TranslationError != nil || c.Progress != 0 {
			t.Error("full clear should wipe ocr result, error, and progress")
		}
	})
}

func TestDeleteClientCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestClient(t, s)
	m := newTestMaterial(t, s, c.ID)

	if err := s.DeleteClient(ctx, c.ID); err != nil {
		t.Fatalf("delete client: %v", err)
	}
	if _, err := s.GetMaterial(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("material should cascade away with its client, got %v", err)
	}
}
