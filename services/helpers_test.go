package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crmflow/models"
	"crmflow/queue"
	"crmflow/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type enqueuedJob struct {
	Type    string
	Payload interface{}
	RunAt   time.Time
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueuedJob
	err  error
	now  func() time.Time
}

func newRecordingQueue(now func() time.Time) *recordingQueue {
	return &recordingQueue{now: now}
}

func (q *recordingQueue) Enqueue(_ context.Context, jobType string, payload interface{}, opts ...queue.EnqueueOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueuedJob{
		Type:    jobType,
		Payload: payload,
		RunAt:   queue.ResolveOptions(opts...).When(q.now()),
	})
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func (q *recordingQueue) ofType(jobType string) []enqueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueuedJob
	for _, j := range q.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

func (q *recordingQueue) reset() {
	q.mu.Lock()
	q.jobs = nil
	q.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []utils.Message
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, msg utils.Message) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.sent = append(n.sent, msg)
	return fmt.Sprintf("receipt-%d", len(n.sent)), nil
}

func (n *fakeNotifier) messages() []utils.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]utils.Message(nil), n.sent...)
}

var errDelivery = errors.New("smtp 554 rejected")

type harness struct {
	db            *gorm.DB
	clock         *fixedClock
	queue         *recordingQueue
	notifier      *fakeNotifier
	workflows     *WorkflowService
	sequences     *SequenceService
	contacts      *ContactService
	announcements *AnnouncementService
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()

	db := newTestDB(t)
	clock := newClock(now)
	q := newRecordingQueue(clock.Now)
	notifier := &fakeNotifier{}
	log := testLogger()

	sequences := NewSequenceService(db, q, notifier, "crm@example.com", log)
	sequences.Now = clock.Now
	actions := NewActionRunner(db, notifier, sequences, "crm@example.com", log)
	workflows := NewWorkflowService(db, q, actions, log)
	workflows.Now = clock.Now
	announcements := NewAnnouncementService(db, q, notifier, "crm@example.com", log)
	announcements.Now = clock.Now

	return &harness{
		db:            db,
		clock:         clock,
		queue:         q,
		notifier:      notifier,
		workflows:     workflows,
		sequences:     sequences,
		contacts:      NewContactService(db, workflows, log),
		announcements: announcements,
	}
}

func (h *harness) contact(t *testing.T, userID uint, name string, email string, tags ...string) *models.Contact {
	t.Helper()
	c := &models.Contact{
		UserID: userID,
		Name:   name,
		Status: models.ContactStatusActive,
		Tags:   tags,
	}
	if email != "" {
		c.Email = utils.Pointer(email)
	}
	require.NoError(t, h.db.Create(c).Error)
	return c
}

func (h *harness) workflow(t *testing.T, userID uint, trigger models.TriggerType, status string, cfg map[string]interface{}, conds ...models.Condition) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		UserID:        userID,
		Name:          fmt.Sprintf("%s workflow", trigger),
		TriggerType:   trigger,
		TriggerConfig: cfg,
		Conditions:    conds,
		Status:        status,
	}
	require.NoError(t, h.db.Create(wf).Error)
	return wf
}

func (h *harness) action(t *testing.T, wf *models.Workflow, actionType models.ActionType, order int, cfg map[string]interface{}) {
	t.Helper()
	require.NoError(t, h.db.Create(&models.WorkflowAction{
		WorkflowID:     wf.ID,
		ActionType:     actionType,
		ActionConfig:   cfg,
		ExecutionOrder: order,
	}).Error)
}

func (h *harness) sequence(t *testing.T, userID uint, status string, steps ...models.SequenceStep) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{UserID: userID, Name: "onboarding", Status: status}
	require.NoError(t, h.db.Create(seq).Error)
	for i := range steps {
		steps[i].SequenceID = seq.ID
		if steps[i].Channel == "" {
			steps[i].Channel = models.ChannelEmail
		}
		require.NoError(t, h.db.Create(&steps[i]).Error)
	}
	return seq
}

func (h *harness) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}
