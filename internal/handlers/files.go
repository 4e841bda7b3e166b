package handlers

import (
	"github.com/gofiber/fiber/v2"

	"periscope/internal/artifacts"
)

// FilesHandler serves stored artifacts: screenshots under /shots/ and
// captured downloads under /downloads/. Unknown or expired artifacts 404.
type FilesHandler struct {
	store *artifacts.Store
}

// NewFilesHandler creates a new files handler.
func NewFilesHandler(store *artifacts.Store) *FilesHandler {
	return &FilesHandler{store: store}
}

// Serve handles GET /shots/* and GET /downloads/*.
func (h *FilesHandler) Serve(c *fiber.Ctx) error {
	path := h.store.Resolve(c.Path())
	if path == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Artifact not found",
		})
	}
	return c.SendFile(path)
}
