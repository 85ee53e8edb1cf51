package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"crmflow/models"
	"crmflow/queue"
	"crmflow/services"
	"crmflow/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type outbox struct {
	mu   sync.Mutex
	sent []utils.Message
}

func (o *outbox) Send(_ context.Context, msg utils.Message) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return fmt.Sprintf("receipt-%d", len(o.sent)), nil
}

func (o *outbox) messages() []utils.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]utils.Message(nil), o.sent...)
}

type stack struct {
	db            *gorm.DB
	clock         *clock
	queue         *queue.Queue
	outbox        *outbox
	contacts      *services.ContactService
	announcements *services.AnnouncementService
}

func newStack(t *testing.T, now time.Time) *stack {
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

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	c := &clock{now: now}
	store, err := queue.NewMemoryStore()
	require.NoError(t, err)
	q := queue.New(store, queue.Config{MaxAttempts: 3, BaseBackoff: time.Minute, Clock: c.Now}, log)

	box := &outbox{}
	sequences := services.NewSequenceService(db, q, box, "crm@example.com", log)
	sequences.Now = c.Now
	actions := services.NewActionRunner(db, box, sequences, "crm@example.com", log)
	workflows := services.NewWorkflowService(db, q, actions, log)
	workflows.Now = c.Now
	announcements := services.NewAnnouncementService(db, q, box, "crm@example.com", log)
	announcements.Now = c.Now

	NewAutomationWorker(q, workflows, sequences, announcements, log)

	return &stack{
		db:            db,
		clock:         c,
		queue:         q,
		outbox:        box,
		contacts:      services.NewContactService(db, workflows, log),
		announcements: announcements,
	}
}

func (s *stack) drain(t *testing.T) int {
	t.Helper()
	n, err := s.queue.ProcessDue(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewContactRunsWorkflowAndSequence(t *testing.T) {
	start := time.Date(2024, time.March, 13, 12, 30, 0, 0, time.UTC)
	s := newStack(t, start)
	ctx := context.Background()

	seq := &models.Sequence{UserID: 1, Name: "welcome", Status: models.SequenceStatusActive}
	require.NoError(t, s.db.Create(seq).Error)
	require.NoError(t, s.db.Create(&models.SequenceStep{SequenceID: seq.ID, StepOrder: 0, DayOffset: 0, SendHour: utils.Pointer(9), Channel: models.ChannelEmail, Content: "day one"}).Error)
	require.NoError(t, s.db.Create(&models.SequenceStep{SequenceID: seq.ID, StepOrder: 1, DayOffset: 3, SendHour: utils.Pointer(9), Channel: models.ChannelEmail, Content: "day four"}).Error)

	wf := &models.Workflow{
		UserID:      1,
		Name:        "onboard managers",
		TriggerType: models.TriggerContactCreated,
		Status:      models.WorkflowStatusActive,
		Conditions:  []models.Condition{{Field: "tags", Op: models.OpContains, Value: "manager"}},
	}
	require.NoError(t, s.db.Create(wf).Error)
	require.NoError(t, s.db.Create(&models.WorkflowAction{WorkflowID: wf.ID, ActionType: models.ActionAddTag, ActionConfig: map[string]interface{}{"tag": "onboarding"}, ExecutionOrder: 0}).Error)
	require.NoError(t, s.db.Create(&models.WorkflowAction{WorkflowID: wf.ID, ActionType: models.ActionAddToSequence, ActionConfig: map[string]interface{}{"sequenceId": seq.ID}, ExecutionOrder: 1}).Error)

	manager, err := s.contacts.Create(ctx, 1, services.CreateContactInput{Name: "Ada", Email: utils.Pointer("ada@example.com"), Tags: []string{"manager"}})
	require.NoError(t, err)
	_, err = s.contacts.Create(ctx, 1, services.CreateContactInput{Name: "Bob", Email: utils.Pointer("bob@example.com")})
	require.NoError(t, err)

	// both executions run; only the manager's is past the condition
	assert.Equal(t, 2, s.drain(t))

	var stored models.Contact
	require.NoError(t, s.db.First(&stored, manager.ID).Error)
	assert.Equal(t, []string{"manager", "onboarding"}, stored.Tags)

	var executions []models.WorkflowExecution
	require.NoError(t, s.db.Find(&executions).Error)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, executions[0].Status)

	var enrollment models.SequenceEnrollment
	require.NoError(t, s.db.Where("contact_id = ?", manager.ID).First(&enrollment).Error)
	require.NotNil(t, enrollment.NextStepAt)
	assert.True(t, enrollment.NextStepAt.Equal(time.Date(2024, time.March, 14, 9, 0, 0, 0, time.UTC)))
	assert.Empty(t, s.outbox.messages())

	s.clock.Set(time.Date(2024, time.March, 14, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, s.drain(t))
	s.clock.Set(time.Date(2024, time.March, 17, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, s.drain(t))

	msgs := s.outbox.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "day one", msgs[0].Text)
	assert.Equal(t, "day four", msgs[1].Text)
	assert.Equal(t, "ada@example.com", msgs[1].To)

	require.NoError(t, s.db.First(&enrollment, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)

	pending, err := s.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestAnnouncementDeliveredThroughQueue(t *testing.T) {
	s := newStack(t, time.Date(2024, time.March, 13, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, email := range []string{"ada@example.com", "bob@example.com"} {
		_, err := s.contacts.Create(ctx, 1, services.CreateContactInput{Name: email, Email: utils.Pointer(email)})
		require.NoError(t, err)
	}

	a, err := s.announcements.Create(ctx, 1, services.CreateAnnouncementInput{Title: "News", Channel: models.ChannelEmail, Content: "Hello"})
	require.NoError(t, err)
	_, err = s.announcements.Send(ctx, 1, a.ID, services.AudienceFilter{})
	require.NoError(t, err)

	assert.Equal(t, 2, s.drain(t))
	assert.Len(t, s.outbox.messages(), 2)

	recipients, err := s.announcements.Recipients(ctx, 1, a.ID)
	require.NoError(t, err)
	for _, r := range recipients {
		assert.Equal(t, models.RecipientStatusSent, r.Status)
	}
}

func TestMalformedPayloadIsRetried(t *testing.T) {
	s := newStack(t, time.Date(2024, time.March, 13, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := s.queue.Enqueue(ctx, services.JobExecuteWorkflow, "not an object")
	require.NoError(t, err)

	assert.Equal(t, 1, s.drain(t))
	pending, err := s.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
