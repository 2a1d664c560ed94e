package session

import (
	"context"
	"sync"
	"testing"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   []Record
	deleted []string
	saveErr error
}

func (f *fakeStore) SaveSession(_ context.Context, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

type fakeDetacher struct {
	mu       sync.Mutex
	detached []string
}

func (f *fakeDetacher) Detach(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, sessionID)
}

func TestCreatePersistsAndTracks(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(store, &fakeDetacher{})
	r.NewID = func() string { return "sess-1" }

	s, err := r.Create(context.Background(), "user-1", 3, nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if s.ID != "sess-1" || s.UserID != "user-1" || s.Intents != 3 {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.Status() != StatusIdentified {
		t.Errorf("Status = %q, want identified", s.Status())
	}
	if len(store.saved) != 1 || store.saved[0].SessionID != "sess-1" {
		t.Errorf("session row not persisted: %+v", store.saved)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestSequenceStartsAtZeroAndIncrements(t *testing.T) {
	r := NewRegistry(nil, nil)
	s, err := r.Create(context.Background(), "user-1", 0, nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	for want := uint64(0); want < 5; want++ {
		got, err := r.NextSequence(s.ID)
		if err != nil {
			t.Fatalf("NextSequence returned error: %v", err)
		}
		if got != want {
			t.Fatalf("NextSequence = %d, want %d", got, want)
		}
	}
	if s.LastSeq() != 4 {
		t.Errorf("LastSeq = %d, want 4", s.LastSeq())
	}
}

func TestSequenceConcurrentDispatch(t *testing.T) {
	r := NewRegistry(nil, nil)
	s, err := r.Create(context.Background(), "user-1", 0, nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	const producers = 8
	const perProducer = 500

	var mu sync.Mutex
	seen := make(map[uint64]bool, producers*perProducer)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq := s.NextSeq()
				mu.Lock()
				if seen[seq] {
					t.Errorf("duplicate sequence %d", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != producers*perProducer {
		t.Fatalf("claimed %d sequences, want %d", len(seen), producers*perProducer)
	}
	for seq := uint64(0); seq < producers*perProducer; seq++ {
		if !seen[seq] {
			t.Fatalf("sequence %d never claimed", seq)
		}
	}
}

func TestCloseDetachesAndDeletes(t *testing.T) {
	store := &fakeStore{}
	detacher := &fakeDetacher{}
	r := NewRegistry(store, detacher)

	s, err := r.Create(context.Background(), "user-1", 0, nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := r.Close(context.Background(), s.ID); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if s.Status() != StatusClosed {
		t.Errorf("Status = %q, want closed", s.Status())
	}
	if len(detacher.detached) != 1 || detacher.detached[0] != s.ID {
		t.Errorf("session not detached from dispatcher: %+v", detacher.detached)
	}
	if len(store.deleted) != 1 || store.deleted[0] != s.ID {
		t.Errorf("session row not deleted: %+v", store.deleted)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	detacher := &fakeDetacher{}
	r := NewRegistry(store, detacher)

	s, err := r.Create(context.Background(), "user-1", 0, nil)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := r.Close(context.Background(), s.ID); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := r.Close(context.Background(), s.ID); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if err := r.Close(context.Background(), "never-existed"); err != nil {
		t.Fatalf("Close of unknown session returned error: %v", err)
	}
	if len(detacher.detached) != 1 || len(store.deleted) != 1 {
		t.Errorf("cleanup ran more than once: detached=%v deleted=%v", detacher.detached, store.deleted)
	}
}

func TestSessionsForUser(t *testing.T) {
	r := NewRegistry(nil, nil)
	s1, _ := r.Create(context.Background(), "user-1", 0, nil)
	s2, _ := r.Create(context.Background(), "user-1", 0, nil)
	_, _ = r.Create(context.Background(), "user-2", 0, nil)

	sessions := r.SessionsForUser("user-1")
	if len(sessions) != 2 {
		t.Fatalf("SessionsForUser = %d sessions, want 2", len(sessions))
	}
	ids := map[string]bool{sessions[0].ID: true, sessions[1].ID: true}
	if !ids[s1.ID] || !ids[s2.ID] {
		t.Errorf("unexpected session set: %v", ids)
	}

	if err := r.Close(context.Background(), s1.ID); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if got := len(r.SessionsForUser("user-1")); got != 1 {
		t.Errorf("SessionsForUser after close = %d, want 1", got)
	}
}

func TestCreateStoreFailureDoesNotRegister(t *testing.T) {
	store := &fakeStore{saveErr: context.DeadlineExceeded}
	r := NewRegistry(store, nil)

	if _, err := r.Create(context.Background(), "user-1", 0, nil); err == nil {
		t.Fatal("Create succeeded despite store failure")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d after failed create, want 0", r.Count())
	}
}
