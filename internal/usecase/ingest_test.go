package usecase

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/clausepipe/internal/domain"
	"github.com/google/uuid"
)

type fakeDocs struct {
	mu   sync.Mutex
	docs map[string]domain.Document
}

func newFakeDocs() *fakeDocs { return &fakeDocs{docs: map[string]domain.Document{}} }

func (f *fakeDocs) Create(ctx domain.Context, d domain.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	f.docs[d.ID] = d
	return d.ID, nil
}

func (f *fakeDocs) Get(ctx domain.Context, id string) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return d, nil
}

func (f *fakeDocs) FindByChecksum(ctx domain.Context, userID, checksum string) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.UserID == userID && d.Checksum == checksum {
			return d, nil
		}
	}
	return domain.Document{}, domain.ErrNotFound
}

func (f *fakeDocs) SetParsed(ctx domain.Context, id string, pagesJSON json.RawMessage, textPlain string) error {
	return nil
}
func (f *fakeDocs) SetStatus(ctx domain.Context, id string, status domain.DocumentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.docs[id]
	d.Status = status
	f.docs[id] = d
	return nil
}
func (f *fakeDocs) SetGraph(ctx domain.Context, id string, graphJSON json.RawMessage) error {
	return nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	byID map[string]string
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[string]*domain.Job{}, byID: map[string]string{}} }

func (f *fakeJobs) Enqueue(ctx domain.Context, jobType domain.JobType, documentID *string, payload json.RawMessage, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byID[idempotencyKey]; ok {
		j := f.jobs[id]
		j.Status = domain.JobQueued
		j.Attempts = 0
		j.LastError = nil
		j.UpdatedAt = time.Now()
		return id, nil
	}
	id := uuid.New().String()
	f.jobs[id] = &domain.Job{ID: id, Type: jobType, DocumentID: documentID, Payload: payload, Status: domain.JobQueued, IdempotencyKey: &idempotencyKey, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.byID[idempotencyKey] = id
	return id, nil
}

func (f *fakeJobs) Mark(ctx domain.Context, jobID string, status domain.JobStatus, attempts *int, lastError *string, failedAt *time.Time) error {
	return nil
}
func (f *fakeJobs) Claim(ctx domain.Context) (*domain.Job, int, error) { return nil, 0, nil }
func (f *fakeJobs) ResetStale(ctx domain.Context, threshold time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeJobs) Get(ctx domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}
func (f *fakeJobs) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byID[key]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *f.jobs[id], nil
}
func (f *fakeJobs) CountActiveForDocument(ctx domain.Context, documentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.DocumentID != nil && *j.DocumentID == documentID && (j.Status == domain.JobQueued || j.Status == domain.JobWorking) {
			n++
		}
	}
	return n, nil
}

type fakeStore struct{ puts int }

func (f *fakeStore) Put(ctx domain.Context, path string, data []byte, contentType string) error {
	f.puts++
	return nil
}
func (f *fakeStore) Get(ctx domain.Context, path string) ([]byte, error) { return nil, nil }
func (f *fakeStore) Sign(ctx domain.Context, path string, expirySeconds int) (string, error) {
	return "https://example.invalid/" + path, nil
}

func TestIngestService_Upload_CreatesDocumentAndEnqueuesParse(t *testing.T) {
	docs, jobs, store := newFakeDocs(), newFakeJobs(), &fakeStore{}
	svc := NewIngestService(docs, jobs, store)

	docID, err := svc.Upload(t.Context(), "user-1", "nda.pdf", "application/pdf", []byte("hello world"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if docID == "" {
		t.Fatal("expected non-empty document id")
	}
	if store.puts != 1 {
		t.Fatalf("expected one object-store put, got %d", store.puts)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected one job enqueued, got %d", len(jobs.jobs))
	}
	for _, j := range jobs.jobs {
		if j.Type != domain.JobTypeParseDoc {
			t.Fatalf("expected PARSE_DOC, got %s", j.Type)
		}
	}
}

func TestIngestService_Upload_DedupsByChecksum(t *testing.T) {
	docs, jobs, store := newFakeDocs(), newFakeJobs(), &fakeStore{}
	svc := NewIngestService(docs, jobs, store)

	data := []byte("same bytes")
	first, err := svc.Upload(t.Context(), "user-1", "a.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := svc.Upload(t.Context(), "user-1", "b.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if first != second {
		t.Fatalf("expected dedup to return same document id, got %s and %s", first, second)
	}
	if store.puts != 1 {
		t.Fatalf("expected only one object-store put across both uploads, got %d", store.puts)
	}
}

func TestIngestService_EnsureProgress_ReenqueuesStuckUpload(t *testing.T) {
	docs, jobs, store := newFakeDocs(), newFakeJobs(), &fakeStore{}
	svc := NewIngestService(docs, jobs, store)

	docID, err := docs.Create(t.Context(), domain.Document{UserID: "user-1", Checksum: "abc", Status: domain.DocUploaded})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	doc, _ := docs.Get(t.Context(), docID)

	if err := svc.EnsureProgress(t.Context(), doc); err != nil {
		t.Fatalf("EnsureProgress: %v", err)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected auto-heal to enqueue one job, got %d", len(jobs.jobs))
	}

	// A second call must be a no-op: the job is already active.
	if err := svc.EnsureProgress(t.Context(), doc); err != nil {
		t.Fatalf("EnsureProgress (second): %v", err)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected no additional job on second EnsureProgress, got %d", len(jobs.jobs))
	}
}
