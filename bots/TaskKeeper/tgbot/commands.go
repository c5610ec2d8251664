package tgbot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"taskkeeper/bots/TaskKeeper/db"
	"taskkeeper/bots/TaskKeeper/picker"
	"taskkeeper/bots/TaskKeeper/screen"
	"taskkeeper/bots/TaskKeeper/timezone"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

var (
	errMissingID = errors.New("task number is missing")
	errBadDate   = errors.New("expected date in the format YYYY-MM-DD HH:MM")
)

type Command struct {
	Name  string
	Descr string
}

func makeCommand(name, descr string) *Command {
	return &Command{
		Name:  name,
		Descr: descr,
	}
}

var (
	cmdStart    = makeCommand("start", "show the welcome screen")
	cmdHelp     = makeCommand("help", "list commands")
	cmdAdd      = makeCommand("add", "add a task, e.g. /add Buy milk")
	cmdList     = makeCommand("list", "list your tasks")
	cmdDone     = makeCommand("done", "mark a task as done, e.g. /done 3")
	cmdDue      = makeCommand("due", "set a deadline, e.g. /due 3 2024-03-12 09:30, or /due 3 to pick it")
	cmdDelete   = makeCommand("delete", "delete a task, e.g. /delete 3")
	cmdTZ       = makeCommand("tz", "set your time zone")
	cmdWeb      = makeCommand("web", "get a link to your tasks in the browser")
	cmdNewLink  = makeCommand("newlink", "make a new link and disable the old one")
	cmdPostpone = makeCommand("postpone", "move every earlier deadline to a given time")
)

var commands = []*Command{cmdStart, cmdHelp, cmdAdd, cmdList, cmdDone, cmdDue, cmdDelete, cmdTZ, cmdWeb, cmdNewLink, cmdPostpone}

func (b *TBot) runCommand(ctx context.Context, conv screen.Conversation, st *state, name, args string) *view {
	usr := conv.UserID
	args = strings.TrimSpace(args)

	switch name {
	case cmdStart.Name:
		if err := b.DB.CreateUser(ctx, usr, conv.ChatID); err != nil {
			b.Logger.Errorw("failed creating user", "err", err)
			return errorView()
		}

		txt := txtWelcomeMessage
		if offset, err := b.DB.GetTZOffset(ctx, usr); err == nil && offset == nil {
			txt += "\n\n" + txtSetTimeZone
		}
		return &view{text: txt, kb: &keyboardCommands}

	case cmdHelp.Name:
		return helpView("")

	case cmdAdd.Name:
		if args == "" {
			st.stage = stageAdd
			return &view{text: txtSendMeTask, kb: &keyboardCancel}
		}
		return b.addTask(ctx, usr, st, args)

	case cmdList.Name:
		return b.listView(ctx, usr, 0, false, "")

	case cmdDone.Name:
		id, _, err := parseID(args)
		if err != nil {
			return helpView(fmt.Sprintf(fmtUsage, cmdDone.Descr))
		}
		if err := b.DB.MarkDone(ctx, usr, id); err != nil {
			return b.taskErrView(ctx, usr, id, err)
		}
		return b.listView(ctx, usr, 0, false, fmt.Sprintf(fmtTaskDone, id))

	case cmdDue.Name:
		id, rest, err := parseID(args)
		if err != nil {
			return helpView(fmt.Sprintf(fmtUsage, cmdDue.Descr))
		}
		if rest == "" {
			return b.editDue(ctx, usr, st, id)
		}

		due, err := parseLocal(rest, b.offset(ctx, usr))
		if err != nil {
			return helpView(fmt.Sprintf(fmtUsage, cmdDue.Descr))
		}
		if err := b.DB.SetDue(ctx, usr, id, &due); err != nil {
			return b.taskErrView(ctx, usr, id, err)
		}
		return b.cardView(ctx, usr, id, txtDueSet)

	case cmdDelete.Name:
		id, _, err := parseID(args)
		if err != nil {
			return helpView(fmt.Sprintf(fmtUsage, cmdDelete.Descr))
		}
		return b.confirmDelete(ctx, usr, id)

	case cmdTZ.Name:
		st.stage = stageCalibrate
		st.anchor = b.Calibrator.Begin()
		return calibrationView(st.anchor, "")

	case cmdWeb.Name:
		token, err := b.DB.GetOrCreateAccessToken(ctx, usr)
		if err != nil {
			b.Logger.Errorw("failed getting access token", "err", err)
			return errorView()
		}
		return b.linkView(token, txtYourLink)

	case cmdNewLink.Name:
		token, err := b.DB.RotateAccessToken(ctx, usr)
		if err != nil {
			b.Logger.Errorw("failed rotating access token", "err", err)
			return errorView()
		}
		return b.linkView(token, txtNewLink)

	case cmdPostpone.Name:
		return b.postponePrompt(st, "")
	}

	return helpView(txtUnknownCommand)
}

func (b *TBot) addTask(ctx context.Context, usr int64, st *state, text string) *view {
	t, err := b.DB.AddTask(ctx, usr, text)
	switch {
	case errors.Is(err, db.ErrEmptyText):
		st.stage = stageAdd
		return &view{text: txtEmptyTask + "\n" + txtSendMeTask, kb: &keyboardCancel}
	case err != nil:
		b.Logger.Errorw("failed adding task", "err", err)
		st.reset()
		return errorView()
	}

	b.Logger.Debugw("task added", "task", t.ID)
	return b.startPicker(ctx, usr, st, t.ID, nil, fmt.Sprintf(fmtTaskAdded, t.ID, html.EscapeString(t.Text)))
}

func (b *TBot) editTextPrompt(ctx context.Context, usr int64, st *state, id int) *view {
	t, err := b.DB.GetTask(ctx, usr, id)
	if err != nil {
		return b.taskErrView(ctx, usr, id, err)
	}

	st.stage = stageEditText
	st.taskID = id
	return &view{
		text: fmt.Sprintf(fmtSendNewText, id, html.EscapeString(t.Text)),
		kb:   cancelToCard(id),
	}
}

func (b *TBot) editText(ctx context.Context, usr int64, st *state, text string) *view {
	id := st.taskID

	err := b.DB.UpdateTask(ctx, usr, id, db.TaskUpdate{Text: &text})
	if errors.Is(err, db.ErrEmptyText) {
		return &view{text: txtEmptyTask + "\n" + fmt.Sprintf(fmtSendNewText, id, ""), kb: cancelToCard(id)}
	}

	st.reset()
	if err != nil {
		return b.taskErrView(ctx, usr, id, err)
	}
	return b.cardView(ctx, usr, id, txtTextUpdated)
}

func (b *TBot) editDue(ctx context.Context, usr int64, st *state, id int) *view {
	t, err := b.DB.GetTask(ctx, usr, id)
	if err != nil {
		return b.taskErrView(ctx, usr, id, err)
	}
	return b.startPicker(ctx, usr, st, t.ID, t.DueAt, fmt.Sprintf(fmtPickDue, t.ID, html.EscapeString(t.Text)))
}

func (b *TBot) confirmDelete(ctx context.Context, usr int64, id int) *view {
	t, err := b.DB.GetTask(ctx, usr, id)
	if err != nil {
		return b.taskErrView(ctx, usr, id, err)
	}

	kb := tg.NewInlineKeyboardMarkup(tg.NewInlineKeyboardRow(
		tg.NewInlineKeyboardButtonData("🗑 Delete", cbqTaskDoDelete+strconv.Itoa(id)),
		tg.NewInlineKeyboardButtonData("Cancel", cbqTaskCancel),
	))
	return &view{text: fmt.Sprintf(fmtConfirmDelete, id, html.EscapeString(t.Text)), kb: &kb}
}

func (b *TBot) deleteTask(ctx context.Context, usr int64, id int) *view {
	if err := b.DB.DeleteTask(ctx, usr, id); err != nil {
		return b.taskErrView(ctx, usr, id, err)
	}
	return b.listView(ctx, usr, 0, false, fmt.Sprintf(fmtTaskDeleted, id))
}

func (b *TBot) calibrate(ctx context.Context, usr int64, st *state, text string) *view {
	offset, next, err := b.Calibrator.Complete(ctx, usr, st.anchor, text)
	switch {
	case errors.Is(err, timezone.ErrBadClock):
		return calibrationView(st.anchor, txtExpectedClock)
	case errors.Is(err, timezone.ErrMinuteMismatch):
		st.anchor = next
		return calibrationView(st.anchor, txtMinuteMismatch)
	case err != nil:
		b.Logger.Errorw("failed calibrating time zone", "err", err)
		st.reset()
		return errorView()
	}

	st.reset()
	return &view{text: fmt.Sprintf(fmtOffsetSet, formatOffset(offset)), kb: &keyboardBackToList}
}

func (b *TBot) setLocation(ctx context.Context, usr int64, loc *tg.Location) *view {
	zone, offset, err := b.Calibrator.FromLocation(ctx, usr, loc.Latitude, loc.Longitude)
	if err != nil {
		b.Logger.Errorw("couldn't update time zone", "err", err)
		return errorView()
	}

	b.Logger.Debugf("handling location: (%f, %f) -> %s", loc.Latitude, loc.Longitude, zone.TZ)
	return &view{text: fmt.Sprintf(fmtTimeZoneAccepted, zone.TZ, formatOffset(offset)), kb: &keyboardBackToList}
}

func (b *TBot) postponePrompt(st *state, notice string) *view {
	st.stage = stagePostpone
	return &view{text: notice + txtPostponeUntil, kb: &keyboardCancel}
}

func (b *TBot) postpone(ctx context.Context, usr int64, st *state, text string) *view {
	until, err := parseLocal(text, b.offset(ctx, usr))
	if err != nil {
		return b.postponePrompt(st, txtExpectedDate+"\n")
	}

	st.reset()
	n, err := b.DB.PostponeDue(ctx, usr, until)
	if err != nil {
		b.Logger.Errorw("failed postponing deadlines", "err", err)
		return errorView()
	}

	local := timezone.LocalTime(until, b.offset(ctx, usr))
	return b.listView(ctx, usr, 0, false, fmt.Sprintf(fmtPostponed, n, local.Format(layoutLocal)))
}

func (b *TBot) startPicker(ctx context.Context, usr int64, st *state, id int, due *time.Time, notice string) *view {
	st.reset()
	st.stage = stagePicker
	st.picker = picker.New(id, due, b.offset(ctx, usr), b.Clock.Now())
	return pickerView(st.picker, notice)
}

func (b *TBot) pickerInput(st *state, text string) *view {
	handled, err := st.picker.InputText(text)
	switch {
	case !handled:
		return pickerView(st.picker, txtUseButtons)
	case err != nil:
		return pickerView(st.picker, pickerErrText(err))
	}
	return pickerView(st.picker, "")
}

func (b *TBot) pickerEvent(ctx context.Context, usr int64, st *state, data string) *view {
	s := st.picker
	if st.stage != stagePicker || s == nil {
		st.reset()
		return b.listView(ctx, usr, 0, false, txtPickerExpired)
	}

	e, err := picker.ParseEvent(data)
	if err != nil {
		b.Logger.Debugw("failed parsing picker event", "err", err)
		return pickerView(s, txtUnknownButton)
	}

	switch e.Kind {
	case picker.EventSave:
		return b.savePicker(ctx, usr, st)
	case picker.EventCancel:
		st.reset()
		return b.listView(ctx, usr, 0, false, "")
	}

	if err := s.Apply(e); err != nil {
		return pickerView(s, pickerErrText(err))
	}
	return pickerView(s, "")
}

func (b *TBot) savePicker(ctx context.Context, usr int64, st *state) *view {
	s := st.picker
	st.reset()

	// the task could have been deleted meanwhile, e.g. in the browser
	if _, err := b.DB.GetTask(ctx, usr, s.TaskID); err != nil {
		return b.taskErrView(ctx, usr, s.TaskID, err)
	}

	due := s.UTC(b.offset(ctx, usr))
	if err := b.DB.SetDue(ctx, usr, s.TaskID, &due); err != nil {
		return b.taskErrView(ctx, usr, s.TaskID, err)
	}

	return b.cardView(ctx, usr, s.TaskID, txtDueSet)
}

// offset returns the user's time zone offset, zero when it's unknown.
func (b *TBot) offset(ctx context.Context, usr int64) int {
	o, err := b.DB.GetTZOffset(ctx, usr)
	if err != nil {
		b.Logger.Errorw("failed getting time zone offset", "err", err)
		return 0
	}
	return timezone.Offset(o)
}

func (b *TBot) taskErrView(ctx context.Context, usr int64, id int, err error) *view {
	if errors.Is(err, db.ErrNotFound) {
		return b.listView(ctx, usr, 0, false, fmt.Sprintf(fmtTaskNotFound, id))
	}

	b.Logger.Errorw("failed accessing task", "err", err, "task", id)
	return errorView()
}

// parseID splits "<id> [rest]".
func parseID(args string) (int, string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, "", errMissingID
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil || id <= 0 {
		return 0, "", errMissingID
	}

	return id, strings.Join(fields[1:], " "), nil
}

// parseLocal reads YYYY-MM-DD HH:MM on the user's clock.
func parseLocal(text string, offset int) (time.Time, error) {
	t, err := time.Parse(layoutLocal, strings.Join(strings.Fields(text), " "))
	if err != nil {
		return time.Time{}, errBadDate
	}
	return timezone.UTCTime(t, offset), nil
}

// splitCallback splits trailing numeric argument off the callback data.
// Data without one is returned as is with -1.
func splitCallback(data string) (string, int) {
	i := strings.LastIndex(data, ":")
	if i < 0 {
		return data, -1
	}

	n, err := strconv.Atoi(data[i+1:])
	if err != nil || n < 0 {
		return data, -1
	}
	return data[:i+1], n
}
