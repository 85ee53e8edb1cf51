package routes

import (
	"errors"
	"strconv"

	"crmflow/models"
	"crmflow/services"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Services are the domain services exposed to the host application. Nil
// services leave their routes unregistered.
type Services struct {
	Contacts  *services.ContactService
	Workflows *services.WorkflowService
	Stats     *services.StatsService
}

// InternalController serves the host-facing endpoints under /internal. User
// identity comes from the path because authentication is owned by the host.
type InternalController struct {
	Services
	Logger logrus.FieldLogger
}

func NewInternalController(svc Services, logger logrus.FieldLogger) *InternalController {
	return &InternalController{Services: svc, Logger: logger.WithField("controller", "internal")}
}

func (ic *InternalController) register(app *fiber.App) {
	user := app.Group("/internal/users/:userId")

	if ic.Contacts != nil {
		user.Post("/contacts", ic.CreateContact)
		user.Get("/contacts", ic.ListContacts)
		user.Get("/contacts/:id", ic.GetContact)
		user.Patch("/contacts/:id", ic.UpdateContact)
		user.Delete("/contacts/:id", ic.DeleteContact)
	}
	if ic.Workflows != nil {
		user.Post("/events", ic.TriggerEvent)
	}
	if ic.Stats != nil {
		user.Get("/stats", ic.DashboardStats)
	}
}

func pathID(c *fiber.Ctx, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// serviceError maps service sentinel errors onto HTTP statuses
func (ic *InternalController) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, services.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", err)
	case errors.Is(err, services.ErrConflict):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Conflict", err)
	}
	ic.Logger.WithError(err).WithField("path", c.Path()).Error("Request failed")
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}

func (ic *InternalController) CreateContact(c *fiber.Ctx) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", nil)
	}

	var input struct {
		Name     string                 `json:"name"`
		Email    *string                `json:"email"`
		Phone    *string                `json:"phone"`
		Company  *string                `json:"company"`
		Status   string                 `json:"status"`
		Tags     []string               `json:"tags"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	contact, err := ic.Contacts.Create(c.UserContext(), userID, services.CreateContactInput{
		Name:     input.Name,
		Email:    input.Email,
		Phone:    input.Phone,
		Company:  input.Company,
		Status:   input.Status,
		Tags:     input.Tags,
		Metadata: input.Metadata,
	})
	if err != nil {
		return ic.serviceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(contact))
}

func (ic *InternalController) ListContacts(c *fiber.Ctx) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", nil)
	}

	contacts, err := ic.Contacts.List(c.UserContext(), userID, services.ContactFilter{
		Company: c.Query("company"),
		Tag:     c.Query("tag"),
		Status:  c.Query("status"),
	})
	if err != nil {
		return ic.serviceError(c, err)
	}
	return c.JSON(utils.SuccessResponse(contacts))
}

func (ic *InternalController) GetContact(c *fiber.Ctx) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", nil)
	}
	contactID, ok := pathID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact id", nil)
	}

	contact, err := ic.Contacts.Get(c.UserContext(), userID, contactID)
	if err != nil {
		return ic.serviceError(c, err)
	}
	return c.JSON(utils.SuccessResponse(contact))
}

func (ic *InternalController) UpdateContact(c *fiber.Ctx) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", nil)
	}
	contactID, ok := pathID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact id", nil)
	}

	var input struct {
		Name     *string                `json:"name"`
		Email    *string                `json:"email"`
		Phone    *string                `json:"phone"`
		Company  *string                `json:"company"`
		Status   *string                `json:"status"`
		Tags     []string               `json:"tags"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	contact, err := ic.Contacts.Update(c.UserContext(), userID, contactID, services.UpdateContactInput{
		Name:     input.Name,
		Email:    input.Email,
		Phone:    input.Phone,
		Company:  input.Company,
		Status:   input.Status,
		Tags:     input.Tags,
		Metadata: input.Metadata,
	})
	if err != nil {
		return ic.serviceError(c, err)
	}
	return c.JSON(utils.SuccessResponse(contact))
}

func (ic *InternalController) DeleteContact(c *fiber.Ctx) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", nil)
	}
	contactID, ok := pathID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact id", nil)
	}

	if err := ic.Contacts.Delete(c.UserContext(), userID, contactID); err != nil {
		return ic.serviceError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "Contact deleted successfully"})
}

// TriggerEvent lets the host raise events the contact service does not see,
// such as tags applied by an import.
func (ic *InternalController) TriggerEvent(c *fiber.Ctx) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", nil)
	}

	var input struct {
		EventType string `json:"event_type"`
		ContactID uint   `json:"contact_id"`
		Tag       string `json:"tag"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if input.ContactID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "contact_id is required", nil)
	}

	err := ic.Workflows.TriggerEvent(c.UserContext(), models.TriggerType(input.EventType), input.ContactID, userID, services.EventMeta{Tag: input.Tag})
	if err != nil {
		return ic.serviceError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
}

func (ic *InternalController) DashboardStats(c *fiber.Ctx) error {
	userID, ok := pathID(c, "userId")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user id", nil)
	}

	stats, err := ic.Stats.DashboardStats(c.UserContext(), userID)
	if err != nil {
		return ic.serviceError(c, err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}
