package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
)

const jobsTable = "jobs"

type memJob struct {
	ID     string
	DueKey string
	Job    Job
}

// MemoryStore keeps jobs in process memory. Jobs survive neither restarts nor
// crashes between claim and ack.
type MemoryStore struct {
	db *memdb.MemDB

	mu       sync.Mutex
	inFlight int
}

func NewMemoryStore() (*MemoryStore, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"due": {
						Name:    "due",
						Indexer: &memdb.StringFieldIndex{Field: "DueKey"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

// dueKey sorts lexicographically in RunAt order
func dueKey(runAt int64) string {
	if runAt < 0 {
		runAt = 0
	}
	return fmt.Sprintf("%020d", runAt)
}

func (s *MemoryStore) Push(_ context.Context, job *Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(jobsTable, &memJob{ID: job.ID, DueKey: dueKey(job.RunAt), Job: *job}); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, "due_prefix", "")
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}

	nowKey := dueKey(now.UnixMilli())
	var due []*memJob
	for obj := it.Next(); obj != nil; obj = it.Next() {
		mj := obj.(*memJob)
		if mj.DueKey > nowKey {
			break
		}
		due = append(due, mj)
		if limit > 0 && len(due) >= limit {
			break
		}
	}

	jobs := make([]*Job, 0, len(due))
	for _, mj := range due {
		if err := txn.Delete(jobsTable, mj); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", mj.ID, err)
		}
		job := mj.Job
		jobs = append(jobs, &job)
	}
	txn.Commit()

	s.mu.Lock()
	s.inFlight += len(jobs)
	s.mu.Unlock()
	return jobs, nil
}

func (s *MemoryStore) Ack(_ context.Context, _ *Job) error {
	s.release()
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, job *Job) error {
	s.release()
	return s.Push(ctx, job)
}

func (s *MemoryStore) release() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// Len counts waiting and in-flight jobs
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, "id")
	if err != nil {
		return 0, err
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return n + s.inFlight, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(jobsTable, "id"); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	txn.Commit()

	s.mu.Lock()
	s.inFlight = 0
	s.mu.Unlock()
	return nil
}
