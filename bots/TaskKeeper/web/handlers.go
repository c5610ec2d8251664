package web

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskkeeper/bots/TaskKeeper/db"
	"taskkeeper/bots/TaskKeeper/timezone"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

const (
	keyOwner = "owner"
	keyToken = "token"

	layoutShow = "2006-01-02 15:04"
	// value format of <input type="datetime-local">
	layoutInput = "2006-01-02T15:04"

	errEmpty = "empty"
	errDue   = "due"
)

var errBadDue = errors.New("expected date in the format YYYY-MM-DD HH:MM")

type taskView struct {
	ID       int
	Text     string
	Done     bool
	Created  string
	Due      string
	DueInput string
}

func newTaskView(t *db.Task, offset int) taskView {
	v := taskView{
		ID:      t.ID,
		Text:    t.Text,
		Done:    t.Done,
		Created: timezone.LocalTime(t.CreatedAt, offset).Format(layoutShow),
	}
	if t.DueAt != nil {
		local := timezone.LocalTime(*t.DueAt, offset)
		v.Due = local.Format(layoutShow)
		v.DueInput = local.Format(layoutInput)
	}
	return v
}

// requireToken resolves the owner from the token in the query or the form.
func (s *Server) requireToken(c *gin.Context) {
	token := c.Query(keyToken)
	if token == "" {
		token = c.PostForm(keyToken)
	}

	owner, err := s.store.ResolveOwnerByToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, db.ErrInvalidToken) {
			c.HTML(http.StatusForbidden, "error.html", gin.H{"Error": "This link is invalid. Ask the bot for a new one with /web", "Token": ""})
		} else {
			s.logger.Errorw("failed resolving token", "err", err)
			c.HTML(http.StatusInternalServerError, "error.html", gin.H{"Error": "Something went wrong, try again later", "Token": ""})
		}
		c.Abort()
		return
	}

	c.Set(keyOwner, owner)
	c.Set(keyToken, token)
	c.Next()
}

func (s *Server) handleList(c *gin.Context) {
	ctx := c.Request.Context()
	owner := c.GetInt64(keyOwner)

	tasks, err := s.store.ListTasks(ctx, owner)
	if err != nil {
		s.fail(c, err)
		return
	}

	offset := s.offset(c, owner)
	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, newTaskView(&tasks[i], offset))
	}

	c.HTML(http.StatusOK, "list.html", gin.H{
		"Token":      c.GetString(keyToken),
		"Tasks":      views,
		"DeleteMode": c.Query("delete") == "1",
		"Error":      errorText(c.Query("error")),
	})
}

func (s *Server) handleAdd(c *gin.Context) {
	owner := c.GetInt64(keyOwner)

	_, err := s.store.AddTask(c.Request.Context(), owner, c.PostForm("text"))
	switch {
	case errors.Is(err, db.ErrEmptyText):
		redirect(c, "/", "error", errEmpty)
		return
	case err != nil:
		s.fail(c, err)
		return
	}

	redirect(c, "/")
}

func (s *Server) handleTask(c *gin.Context) {
	owner := c.GetInt64(keyOwner)
	id, ok := taskID(c)
	if !ok {
		return
	}

	t, err := s.store.GetTask(c.Request.Context(), owner, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.HTML(http.StatusOK, "task.html", gin.H{
		"Token": c.GetString(keyToken),
		"Task":  newTaskView(t, s.offset(c, owner)),
		"Error": errorText(c.Query("error")),
	})
}

func (s *Server) handleEdit(c *gin.Context) {
	owner := c.GetInt64(keyOwner)
	id, ok := taskID(c)
	if !ok {
		return
	}
	taskPath := "/tasks/" + strconv.Itoa(id)

	// the form posts back the deadline it was rendered with. Unless the user
	// changed it, whatever the task has now stays: the reminder could have
	// retired it meanwhile.
	due := db.KeepDue()
	value := c.PostForm("due")
	if orig, ok := c.GetPostForm("due_orig"); !ok || strings.TrimSpace(orig) != strings.TrimSpace(value) {
		var err error
		due, err = parseDue(value, s.offset(c, owner))
		if err != nil {
			redirect(c, taskPath, "error", errDue)
			return
		}
	}

	text := c.PostForm("text")
	err := s.store.UpdateTask(c.Request.Context(), owner, id, db.TaskUpdate{Text: &text, Due: due})
	switch {
	case errors.Is(err, db.ErrEmptyText):
		redirect(c, taskPath, "error", errEmpty)
		return
	case err != nil:
		s.fail(c, err)
		return
	}

	redirect(c, taskPath)
}

func (s *Server) handleDone(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	if err := s.store.MarkDone(c.Request.Context(), c.GetInt64(keyOwner), id); err != nil {
		s.fail(c, err)
		return
	}

	redirect(c, "/")
}

func (s *Server) handleConfirmDelete(c *gin.Context) {
	owner := c.GetInt64(keyOwner)
	id, ok := taskID(c)
	if !ok {
		return
	}

	t, err := s.store.GetTask(c.Request.Context(), owner, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.HTML(http.StatusOK, "confirm.html", gin.H{
		"Token": c.GetString(keyToken),
		"Task":  newTaskView(t, s.offset(c, owner)),
	})
}

func (s *Server) handleDelete(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	if err := s.store.DeleteTask(c.Request.Context(), c.GetInt64(keyOwner), id); err != nil {
		s.fail(c, err)
		return
	}

	redirect(c, "/")
}

func (s *Server) handleRotateToken(c *gin.Context) {
	token, err := s.store.RotateAccessToken(c.Request.Context(), c.GetInt64(keyOwner))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Set(keyToken, token)
	redirect(c, "/")
}

// fail renders the error page. A missing task is 404, anything else is logged
// and reported as 500.
func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.HTML(http.StatusNotFound, "error.html", gin.H{"Error": "Task not found", "Token": c.GetString(keyToken)})
		return
	}

	s.logger.Errorw("failed handling request", "err", err, "path", c.FullPath())
	c.HTML(http.StatusInternalServerError, "error.html", gin.H{"Error": "Something went wrong, try again later", "Token": c.GetString(keyToken)})
}

func (s *Server) offset(c *gin.Context, owner int64) int {
	o, err := s.store.GetTZOffset(c.Request.Context(), owner)
	if err != nil {
		s.logger.Errorw("failed getting time zone offset", "err", err)
		return 0
	}
	return timezone.Offset(o)
}

func taskID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.HTML(http.StatusNotFound, "error.html", gin.H{"Error": "Task not found", "Token": c.GetString(keyToken)})
		return 0, false
	}
	return id, true
}

// redirect sends the browser to a page of the same owner with 303 See Other.
func redirect(c *gin.Context, path string, kv ...string) {
	q := url.Values{}
	q.Set(keyToken, c.GetString(keyToken))
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	c.Redirect(http.StatusSeeOther, path+"?"+q.Encode())
}

// parseDue reads the deadline on the owner's clock. An empty value clears it.
func parseDue(value string, offset int) (db.DueUpdate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return db.ClearDue(), nil
	}

	for _, layout := range []string{layoutInput, layoutShow} {
		if t, err := time.Parse(layout, value); err == nil {
			return db.SetDue(timezone.UTCTime(t, offset)), nil
		}
	}
	return db.KeepDue(), errBadDue
}

func errorText(code string) string {
	switch code {
	case errEmpty:
		return "A task can't be empty"
	case errDue:
		return "Expected the deadline in the format YYYY-MM-DD HH:MM"
	}
	return ""
}
