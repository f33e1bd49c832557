package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/ytakahashi/taskboard/internal/auth"
	"github.com/ytakahashi/taskboard/internal/models"
	"github.com/ytakahashi/taskboard/internal/tasksync"
	"go.uber.org/zap"
)

const stateCookie = "taskboard_oauth_state"

// Board is the synchronizer as seen by the HTTP layer.
type Board interface {
	Mode() tasksync.Mode
	UserID() string
	Tasks() []models.Task
	Counts() models.Counts
	CanUndo() bool
	Activate(userID string) error
	Deactivate() error
	Add(ctx context.Context, draft models.TaskDraft) (string, error)
	Update(ctx context.Context, taskID string, patch models.TaskPatch) error
	Delete(ctx context.Context, taskID string) error
	UndoDelete() (bool, error)
	ClearCompleted(ctx context.Context) (int, error)
	MigrateGuestTasks(ctx context.Context, userID string) (int, error)
}

type Authenticator interface {
	LoginURL() (string, string)
	Exchange(ctx context.Context, code string) (*auth.Identity, error)
}

type ProfileStore interface {
	SetProfile(ctx context.Context, userID, fullName, email string) error
}

type ErrorObserver interface {
	ObserveError(operation, kind string)
}

type BoardHandler struct {
	board    Board
	logger   *zap.Logger
	errs     ErrorObserver
	auth     Authenticator
	profiles ProfileStore
}

func NewBoardHandler(board Board, logger *zap.Logger, errs ErrorObserver) *BoardHandler {
	return &BoardHandler{
		board:  board,
		logger: logger,
		errs:   errs,
	}
}

// WithSignIn enables the Google sign-in routes.
func (h *BoardHandler) WithSignIn(a Authenticator, profiles ProfileStore) *BoardHandler {
	h.auth = a
	h.profiles = profiles
	return h
}

func (h *BoardHandler) Register(e *echo.Echo) {
	api := e.Group("/api")
	api.GET("/tasks", h.ListTasks)
	api.POST("/tasks", h.AddTask)
	api.POST("/tasks/undo", h.UndoDelete)
	api.POST("/tasks/clear-completed", h.ClearCompleted)
	api.PATCH("/tasks/:id", h.UpdateTask)
	api.DELETE("/tasks/:id", h.DeleteTask)

	api.GET("/session", h.GetSession)
	api.DELETE("/session", h.SignOut)
	api.POST("/session/migrate", h.Migrate)

	// With Google sign-in configured, the callback is the only way in.
	if h.auth != nil {
		e.GET("/auth/google/login", h.GoogleLogin)
		e.GET("/auth/google/callback", h.GoogleCallback)
	} else {
		api.POST("/session", h.SignIn)
	}
}

type boardResponse struct {
	Mode    tasksync.Mode `json:"mode"`
	UserID  string        `json:"userId,omitempty"`
	Tasks   []models.Task `json:"tasks"`
	Counts  models.Counts `json:"counts"`
	Overdue []string      `json:"overdue"`
	CanUndo bool          `json:"canUndo"`
}

type sessionRequest struct {
	UserID  string `json:"userId"`
	Migrate bool   `json:"migrate"`
}

func (h *BoardHandler) ListTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, h.snapshot())
}

func (h *BoardHandler) snapshot() boardResponse {
	tasks := h.board.Tasks()
	now := time.Now()
	overdue := []string{}
	for _, t := range tasks {
		if t.Overdue(now) {
			overdue = append(overdue, t.ID)
		}
	}
	return boardResponse{
		Mode:    h.board.Mode(),
		UserID:  h.board.UserID(),
		Tasks:   tasks,
		Counts:  h.board.Counts(),
		Overdue: overdue,
		CanUndo: h.board.CanUndo(),
	}
}

func (h *BoardHandler) AddTask(c echo.Context) error {
	var draft models.TaskDraft
	if err := c.Bind(&draft); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	id, err := h.board.Add(c.Request().Context(), draft)
	warning, err := h.nonFatal("add", err)
	if err != nil {
		return h.fail(c, "add", err)
	}

	// Signed in, the task shows up once the next snapshot arrives.
	code := http.StatusCreated
	if h.board.Mode() == tasksync.ModeAuthenticated {
		code = http.StatusAccepted
	}
	return c.JSON(code, map[string]string{"id": id, "warning": warning})
}

func (h *BoardHandler) UpdateTask(c echo.Context) error {
	var patch models.TaskPatch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	err := h.board.Update(c.Request().Context(), c.Param("id"), patch)
	warning, err := h.nonFatal("update", err)
	if err != nil {
		return h.fail(c, "update", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "warning": warning})
}

func (h *BoardHandler) DeleteTask(c echo.Context) error {
	err := h.board.Delete(c.Request().Context(), c.Param("id"))
	warning, err := h.nonFatal("delete", err)
	if err != nil {
		return h.fail(c, "delete", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"canUndo": h.board.CanUndo(), "warning": warning})
}

func (h *BoardHandler) UndoDelete(c echo.Context) error {
	restored, err := h.board.UndoDelete()
	warning, err := h.nonFatal("undo", err)
	if err != nil {
		return h.fail(c, "undo", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"restored": restored, "warning": warning})
}

func (h *BoardHandler) ClearCompleted(c echo.Context) error {
	n, err := h.board.ClearCompleted(c.Request().Context())
	warning, err := h.nonFatal("clear_completed", err)
	if err != nil {
		return h.fail(c, "clear_completed", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cleared": n, "warning": warning})
}

func (h *BoardHandler) GetSession(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"mode":   h.board.Mode(),
		"userId": h.board.UserID(),
	})
}

// SignIn activates the board for a user id the host has already
// authenticated. Only served when Google sign-in is not configured.
func (h *BoardHandler) SignIn(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp, err := h.signIn(c.Request().Context(), req.UserID, req.Migrate)
	if err != nil {
		return h.fail(c, "sign_in", err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *BoardHandler) signIn(ctx context.Context, userID string, migrate bool) (map[string]interface{}, error) {
	if err := h.board.Activate(userID); err != nil {
		return nil, err
	}
	resp := map[string]interface{}{
		"mode":   h.board.Mode(),
		"userId": userID,
	}
	if !migrate {
		return resp, nil
	}

	n, err := h.board.MigrateGuestTasks(ctx, userID)
	warning, err := h.nonFatal("migrate", err)
	if err != nil {
		return nil, err
	}
	resp["migrated"] = n
	resp["warning"] = warning
	return resp, nil
}

func (h *BoardHandler) SignOut(c echo.Context) error {
	err := h.board.Deactivate()
	warning, err := h.nonFatal("sign_out", err)
	if err != nil {
		return h.fail(c, "sign_out", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"mode": h.board.Mode(), "warning": warning})
}

func (h *BoardHandler) Migrate(c echo.Context) error {
	userID := h.board.UserID()
	if userID == "" {
		return c.JSON(http.StatusConflict, map[string]string{"error": "sign in before migrating guest tasks"})
	}

	n, err := h.board.MigrateGuestTasks(c.Request().Context(), userID)
	warning, err := h.nonFatal("migrate", err)
	if err != nil {
		return h.fail(c, "migrate", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"migrated": n, "warning": warning})
}

func (h *BoardHandler) GoogleLogin(c echo.Context) error {
	url, state := h.auth.LoginURL()
	c.SetCookie(&http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth/google",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	return c.Redirect(http.StatusFound, url)
}

// GoogleCallback completes sign-in: activate the user's board, move the
// guest tasks over, then record the profile.
func (h *BoardHandler) GoogleCallback(c echo.Context) error {
	cookie, err := c.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != c.QueryParam("state") {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid oauth state"})
	}

	ctx := c.Request().Context()
	identity, err := h.auth.Exchange(ctx, c.QueryParam("code"))
	if err != nil {
		h.logger.Warn("Google sign-in failed", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "sign-in failed"})
	}

	resp, err := h.signIn(ctx, identity.UserID, true)
	if err != nil {
		return h.fail(c, "sign_in", err)
	}

	if h.profiles != nil {
		if err := h.profiles.SetProfile(ctx, identity.UserID, identity.Name, identity.Email); err != nil {
			h.logger.Warn("Failed to write user profile", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}
	resp["name"] = identity.Name
	return c.JSON(http.StatusOK, resp)
}

// nonFatal turns a local storage failure into a warning; the change it
// belongs to has already been applied in memory.
func (h *BoardHandler) nonFatal(op string, err error) (string, error) {
	if err != nil && errors.Is(err, models.ErrStorage) {
		h.logger.Warn("Local storage failure", zap.String("operation", op), zap.Error(err))
		h.observe(op, "storage")
		return err.Error(), nil
	}
	return "", err
}

func (h *BoardHandler) fail(c echo.Context, op string, err error) error {
	var migErr *models.MigrationError
	switch {
	case errors.As(err, &migErr):
		h.observe(op, "migration")
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error":    migErr.Error(),
			"migrated": migErr.Migrated,
			"total":    migErr.Total,
		})
	case errors.Is(err, models.ErrValidation):
		h.observe(op, "validation")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrModeChanged):
		h.observe(op, "mode_changed")
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrRemote):
		h.observe(op, "remote")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		h.observe(op, "internal")
		h.logger.Error("Board operation failed", zap.String("operation", op), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *BoardHandler) observe(op, kind string) {
	if h.errs != nil {
		h.errs.ObserveError(op, kind)
	}
}
