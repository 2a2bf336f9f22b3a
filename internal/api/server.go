// Package api serves the local HTTP control API: devices, tasks and backups
// as JSON.
package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/internal/tasks"
	"github.com/TinkerUp/sideload-core/types/models"
)

type Devices interface {
	Devices() []models.Device
	Active() (models.Device, bool)
	SwitchTo(ctx context.Context, serial string) (models.Device, error)
}

type Tasks interface {
	Enqueue(options tasks.Options) (models.TaskInfo, error)
	List() []models.TaskInfo
	Get(id string) (models.TaskInfo, error)
	Cancel(id string) error
}

type Backups interface {
	List() ([]models.Backup, error)
	Get(name string) (models.Backup, error)
}

type Server struct {
	app     *fiber.App
	devices Devices
	tasks   Tasks
	backups Backups
	log     *slog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type switchRequest struct {
	Serial string `json:"serial"`
}

func NewServer(devices Devices, taskQueue Tasks, backups Backups, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		devices: devices,
		tasks:   taskQueue,
		backups: backups,
		log:     log.With("component", "api"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "sideloader",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	v1 := s.app.Group("/v1")
	v1.Get("/health", s.healthHandler)
	v1.Get("/devices", s.devicesHandler)
	v1.Get("/devices/active", s.activeDeviceHandler)
	v1.Put("/devices/active", s.switchDeviceHandler)
	v1.Get("/tasks", s.listTasksHandler)
	v1.Post("/tasks", s.enqueueTaskHandler)
	v1.Get("/tasks/:id", s.getTaskHandler)
	v1.Delete("/tasks/:id", s.cancelTaskHandler)
	v1.Get("/backups", s.backupsHandler)

	return s
}

// App exposes the underlying fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(address string) error {
	s.log.Info("listening", "address", address)
	return s.app.Listen(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) devicesHandler(c *fiber.Ctx) error {
	devices := s.devices.Devices()
	if devices == nil {
		devices = []models.Device{}
	}
	return c.JSON(devices)
}

func (s *Server) activeDeviceHandler(c *fiber.Ctx) error {
	device, ok := s.devices.Active()
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, errs.ErrNoDeviceConnection.Error())
	}
	return c.JSON(&device)
}

func (s *Server) switchDeviceHandler(c *fiber.Ctx) error {
	var request switchRequest
	if err := c.BodyParser(&request); err != nil || request.Serial == "" {
		return fiber.NewError(fiber.StatusBadRequest, "serial is required")
	}

	device, err := s.devices.SwitchTo(c.UserContext(), fiberutils.CopyString(request.Serial))
	if err != nil {
		return err
	}
	return c.JSON(&device)
}

func (s *Server) listTasksHandler(c *fiber.Ctx) error {
	return c.JSON(s.tasks.List())
}

func (s *Server) enqueueTaskHandler(c *fiber.Ctx) error {
	var options tasks.Options
	if err := c.BodyParser(&options); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	// A restore may name a stored backup instead of carrying its full description.
	if options.Backup != nil && options.Backup.Path == "" && options.Backup.Name != "" {
		backup, err := s.backups.Get(options.Backup.Name)
		if err != nil {
			return err
		}
		options.Backup = &backup
	}

	info, err := s.tasks.Enqueue(options)
	if err != nil {
		return err
	}

	s.log.Info("task enqueued", "remote", c.IP(), "task", info.ID, "kind", info.Kind)
	return c.Status(fiber.StatusAccepted).JSON(&info)
}

func (s *Server) getTaskHandler(c *fiber.Ctx) error {
	info, err := s.tasks.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(&info)
}

func (s *Server) cancelTaskHandler(c *fiber.Ctx) error {
	id := fiberutils.CopyString(c.Params("id"))
	if err := s.tasks.Cancel(id); err != nil {
		return err
	}

	info, err := s.tasks.Get(id)
	if err != nil {
		return err
	}
	return c.JSON(&info)
}

func (s *Server) backupsHandler(c *fiber.Ctx) error {
	backups, err := s.backups.List()
	if err != nil {
		return err
	}
	if backups == nil {
		backups = []models.Backup{}
	}
	return c.JSON(backups)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, errs.ErrTaskNotFound), errors.Is(err, store.ErrBackupNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, errs.ErrInvalidTaskOptions):
		return fiber.StatusBadRequest
	case errors.Is(err, errs.ErrNoDeviceConnection), errors.Is(err, errs.ErrDeviceUnreachable):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
