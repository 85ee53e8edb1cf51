package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"crmflow/models"
	"crmflow/queue"
	"crmflow/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type internalEnv struct {
	app       *fiber.App
	db        *gorm.DB
	q         *queue.Queue
	workflows *services.WorkflowService
}

func newInternalApp(t *testing.T) *internalEnv {
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

	store, err := queue.NewMemoryStore()
	require.NoError(t, err)
	q := queue.New(store, queue.Config{}, log)

	workflows := services.NewWorkflowService(db, q, nil, log)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	SetupRoutes(app, db, q, Services{
		Contacts:  services.NewContactService(db, workflows, log),
		Workflows: workflows,
		Stats:     services.NewStatsService(db),
	}, log)

	return &internalEnv{app: app, db: db, q: q, workflows: workflows}
}

func (e *internalEnv) call(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *internalEnv) activeWorkflow(t *testing.T, userID uint, trigger models.TriggerType) {
	t.Helper()
	_, err := e.workflows.CreateWorkflow(context.Background(), userID, services.CreateWorkflowInput{
		Name:        "Welcome",
		TriggerType: trigger,
		Status:      models.WorkflowStatusActive,
	})
	require.NoError(t, err)
}

func TestCreateContactTriggersWorkflows(t *testing.T) {
	e := newInternalApp(t)
	e.activeWorkflow(t, 7, models.TriggerContactCreated)

	status, body := e.call(t, "POST", "/internal/users/7/contacts", fiber.Map{
		"name":  "Ada",
		"email": "ADA@example.com",
		"tags":  []string{"vip"},
	})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, true, body["success"])

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "ada@example.com", data["email"])
	assert.Equal(t, float64(7), data["user_id"])

	n, err := e.q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestContactErrorsMapToStatuses(t *testing.T) {
	e := newInternalApp(t)

	status, _ := e.call(t, "POST", "/internal/users/7/contacts", fiber.Map{"email": "nobody@example.com"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.call(t, "POST", "/internal/users/7/contacts", fiber.Map{"name": "Ada", "email": "ada@example.com"})
	require.Equal(t, fiber.StatusCreated, status)
	status, body := e.call(t, "POST", "/internal/users/7/contacts", fiber.Map{"name": "Ada again", "email": "ada@example.com"})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, false, body["success"])

	status, _ = e.call(t, "GET", "/internal/users/8/contacts/1", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = e.call(t, "GET", "/internal/users/abc/contacts", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestUpdateAndDeleteContact(t *testing.T) {
	e := newInternalApp(t)

	status, body := e.call(t, "POST", "/internal/users/7/contacts", fiber.Map{"name": "Ada", "company": "Acme"})
	require.Equal(t, fiber.StatusCreated, status)
	id := uint(body["data"].(map[string]interface{})["ID"].(float64))

	status, body = e.call(t, "PATCH", fmt.Sprintf("/internal/users/7/contacts/%d", id), fiber.Map{"company": "Globex"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Globex", body["data"].(map[string]interface{})["company"])

	status, body = e.call(t, "GET", "/internal/users/7/contacts?company=Globex", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, _ = e.call(t, "DELETE", fmt.Sprintf("/internal/users/7/contacts/%d", id), nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = e.call(t, "GET", fmt.Sprintf("/internal/users/7/contacts/%d", id), nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestTriggerEventEndpoint(t *testing.T) {
	e := newInternalApp(t)
	e.activeWorkflow(t, 7, models.TriggerTagAdded)

	status, _ := e.call(t, "POST", "/internal/users/7/events", fiber.Map{"event_type": "tag_added", "contact_id": 3, "tag": "vip"})
	assert.Equal(t, fiber.StatusAccepted, status)

	n, err := e.q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, _ = e.call(t, "POST", "/internal/users/7/events", fiber.Map{"event_type": "exploded", "contact_id": 3})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.call(t, "POST", "/internal/users/7/events", fiber.Map{"event_type": "tag_added"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestDashboardStatsEndpoint(t *testing.T) {
	e := newInternalApp(t)

	for _, name := range []string{"Ada", "Grace"} {
		status, _ := e.call(t, "POST", "/internal/users/7/contacts", fiber.Map{"name": name})
		require.Equal(t, fiber.StatusCreated, status)
	}

	status, body := e.call(t, "GET", "/internal/users/7/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["contact_count"])
	assert.Equal(t, float64(0), data["messages_sent"])
}

func TestInternalRoutesNeedServices(t *testing.T) {
	app, _, _ := newApp(t)

	status, body := decode(t, app, "/internal/users/7/stats")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "Endpoint not found", body["error"])
}
