package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/mobility-trailblazers/offline-edge/internal/controller"
)

// RegisterControlRoutes 暴露 /-/sw 控制接口：页面通过 message 请求跳过等待，
// 运维通过 status 查看当前生效与等待中的缓存版本。
func RegisterControlRoutes(app *fiber.App, registration *controller.Registration) {
	if app == nil || registration == nil {
		return
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		var msg controller.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(msg.Action) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}

		err := registration.PostMessage(c.Context(), msg)
		switch {
		case err == nil:
		case errors.Is(err, controller.ErrUnknownAction):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_action"})
		case errors.Is(err, controller.ErrNoController):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_controller"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}

		return c.Status(fiber.StatusAccepted).JSON(encodeStatus(registration.Status(c.Context())))
	})

	app.Get("/-/sw/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(registration.Status(c.Context())))
	})
}

type statusPayload struct {
	Active     *controllerPayload `json:"active"`
	Waiting    *controllerPayload `json:"waiting"`
	Namespaces []string           `json:"namespaces"`
}

type controllerPayload struct {
	Version     string `json:"version"`
	Phase       string `json:"phase"`
	Claimed     bool   `json:"claimed"`
	SkipWaiting bool   `json:"skip_waiting"`
	Entries     int    `json:"entries"`
}

func encodeStatus(status controller.Status) statusPayload {
	names := append([]string(nil), status.Namespaces...)
	if names == nil {
		names = []string{}
	}
	return statusPayload{
		Active:     encodeController(status.Active),
		Waiting:    encodeController(status.Waiting),
		Namespaces: names,
	}
}

func encodeController(s *controller.ControllerStatus) *controllerPayload {
	if s == nil {
		return nil
	}
	return &controllerPayload{
		Version:     s.Version,
		Phase:       string(s.Phase),
		Claimed:     s.Claimed,
		SkipWaiting: s.SkipWaiting,
		Entries:     s.Entries,
	}
}
