package session

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/moltty/termcast/internal/auth"
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func getUserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(auth.Subject(c))
	return id, err == nil
}

func toJSON(s *Session) fiber.Map {
	m := fiber.Map{
		"id":        s.ID,
		"name":      s.Name,
		"remote":    s.RemoteID != nil,
		"createdAt": s.CreatedAt,
	}
	if s.RemoteID != nil {
		m["remoteId"] = s.RemoteID
	}
	return m
}

func (h *Handler) List(c *fiber.Ctx) error {
	userID, ok := getUserID(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a user token"})
	}
	sessions, err := h.repo.FindByUserID(c.UserContext(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list sessions"})
	}

	result := make([]fiber.Map, len(sessions))
	for i := range sessions {
		result[i] = toJSON(&sessions[i])
	}
	return c.JSON(result)
}

func (h *Handler) Get(c *fiber.Ctx) error {
	sess, err := h.repo.Authorize(c.UserContext(), auth.Subject(c), c.Params("id"))
	if errors.Is(err, ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load session"})
	}
	return c.JSON(toJSON(sess))
}

type createRequest struct {
	Name          string `json:"name"`
	RecordingPath string `json:"recordingPath"`
	RemoteID      string `json:"remoteId"`
}

// Create registers a recording written by the host's recorder, or a session
// hosted by a known remote.
func (h *Handler) Create(c *fiber.Ctx) error {
	userID, ok := getUserID(c)
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not a user token"})
	}

	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" {
		req.Name = "New Session"
	}

	sess := &Session{UserID: userID, Name: req.Name}
	switch {
	case req.RemoteID != "":
		rid, err := uuid.Parse(req.RemoteID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid remote id"})
		}
		if _, err := h.repo.FindRemote(c.UserContext(), rid); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown remote"})
		}
		sess.RemoteID = &rid
	case req.RecordingPath != "":
		sess.RecordingPath = req.RecordingPath
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "recordingPath or remoteId is required"})
	}

	if err := h.repo.Create(sess); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create session"})
	}
	return c.Status(fiber.StatusCreated).JSON(toJSON(sess))
}

type remoteRequest struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// AddRemote registers a peer server. Without a token the peer is dialed
// with a signed service token.
func (h *Handler) AddRemote(c *fiber.Ctx) error {
	var req remoteRequest
	if err := c.BodyParser(&req); err != nil || req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url is required"})
	}
	if req.Name == "" {
		req.Name = req.URL
	}

	rm := &Remote{Name: req.Name, URL: req.URL, Token: req.Token}
	if err := h.repo.CreateRemote(rm); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to register remote"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":        rm.ID,
		"name":      rm.Name,
		"url":       rm.URL,
		"createdAt": rm.CreatedAt,
	})
}
