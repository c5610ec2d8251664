package tgbot

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskkeeper/bots/TaskKeeper/db"
	"taskkeeper/bots/TaskKeeper/picker"
	"taskkeeper/bots/TaskKeeper/timezone"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

const (
	pageSize       = 5
	maxButtonText  = 32
	layoutLocal    = "2006-01-02 15:04"
	markDone       = "✅"
	markActive     = "✳️"
	markActiveStep = "▶"
)

const (
	cbqCmdPrefix         = "cmd_"
	cbqNoop              = "noop"
	cbqTasksPage         = "tasks:page:"
	cbqDeleteMode        = "tasks:delete_mode"
	cbqDeleteModePage    = "tasks:delete_mode:"
	cbqTasksPostpone     = "tasks:postpone"
	cbqTaskShow          = "task:show:"
	cbqTaskEditText      = "task:edit_text:"
	cbqTaskEditDue       = "task:edit_due:"
	cbqTaskMarkDone      = "task:mark_done:"
	cbqTaskConfirmDelete = "task:confirm_delete:"
	cbqTaskDoDelete      = "task:do_delete:"
	cbqTaskCancel        = "task:cancel"
)

const (
	txtWelcomeMessage         = "Hello, I'm your task keeper. Tell me what you need to do and when, and I'll remind you when the time comes. You can also manage your tasks in the browser, see /web"
	txtSetTimeZone            = "I don't know your time zone yet, so I assume UTC. Use /tz or send me your location to fix that"
	txtCommands               = "Here's what I can do:\n"
	txtUnknownCommand         = "I don't known this command"
	txtNoise                  = "I don't know what to do with this message. Use /add to add a task"
	txtUnknownButton          = "I don't know this button anymore, here are your tasks"
	txtErrorAccessingDatabase = "Oops, I couldn't get to your tasks. Retry again. If it didn't help, try again later"
	txtSendMeTask             = "Send me your task"
	txtEmptyTask              = "A task can't be empty."
	txtNoTasks                = "You don't have any tasks. Add one with /add"
	txtDeleteMode             = "Which task do you want to delete?\n"
	txtDueSet                 = "Deadline is set"
	txtTextUpdated            = "Text is updated"
	txtMarkedDone             = "Well done!"
	txtUseButtons             = "Use the buttons below to pick the value"
	txtPickerExpired          = "That date picker isn't active anymore"
	txtExpectedClock          = "I expect time in the format HH:MM."
	txtMinuteMismatch         = "Minutes don't match mine, let's try again."
	txtExpectedDate           = "I expect date in the format YYYY-MM-DD HH:MM."
	txtPostponeUntil          = "Until when do you want to postpone? Send date and time in the format YYYY-MM-DD HH:MM. Every earlier deadline of your active tasks will be moved there"
	txtYourLink               = "Here's the link to your tasks. Keep it secret, anyone with the link can change your tasks. Use /newlink if it leaked"
	txtNewLink                = "Here's your new link. The old one doesn't work anymore"
	txtYearAsText             = "Send the year as a number"
	txtNotSet                 = "not set"

	fmtUsage            = "Send the command with the task number: %s"
	fmtTaskAdded        = "Task <code>#%d</code> is added: %s\nWhen is it due?"
	fmtPickDue          = "When is task <code>#%d</code> due?\n%s"
	fmtTaskDone         = "Task #%d is done"
	fmtTaskDeleted      = "Task #%d is deleted"
	fmtTaskNotFound     = "Task #%d not found"
	fmtTasksHeader      = "Your tasks (page %d of %d):\n"
	fmtListItem         = "%d. %s <code>#%d</code> %s"
	fmtListItemDue      = " (due %s)"
	fmtCard             = "Task <code>#%d</code> %s\n%s\n\nCreated: %s\nDue: %s"
	fmtSendNewText      = "Send me the new text of task <code>#%d</code>\n%s"
	fmtConfirmDelete    = "Do you really want to delete task <code>#%d</code>?\n%s"
	fmtCalibrate        = "My clock shows <b>%s</b>. What time is it on yours? Send it in the format HH:MM. You can also send your location instead"
	fmtOffsetSet        = "Got it, your time zone is %s"
	fmtTimeZoneAccepted = "Time zone identified as %s (%s)"
	fmtPostponed        = "Moved %d deadline(s) to %s"
	fmtLink             = "%s\n\n%s"
	fmtYearRange        = "The year must be between %d and %d"
	fmtPickerValue      = "📅 <b>%s</b>\n"
	fmtPickerStage      = "Pick the %s"
)

var (
	keyboardCommands   = tg.NewInlineKeyboardMarkup(tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("☰ Commands", cbqCmdPrefix+cmdHelp.Name)))
	keyboardCancel     = tg.NewInlineKeyboardMarkup(tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("Cancel", cbqTaskCancel)))
	keyboardBackToList = tg.NewInlineKeyboardMarkup(tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("« Back to list", cbqTasksPage+"0")))
	keyboardRetry      = tg.NewInlineKeyboardMarkup(tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("Retry", cbqTasksPage+"0")))
)

// picker buttons per row for every stage, the year is entered as text
var pickerRowLen = map[picker.Stage]int{
	picker.StageMonth:  4,
	picker.StageDay:    7,
	picker.StageHour:   6,
	picker.StageMinute: 10,
}

type view struct {
	text string
	kb   *tg.InlineKeyboardMarkup
}

func errorView() *view {
	return &view{text: txtErrorAccessingDatabase, kb: &keyboardRetry}
}

func helpView(notice string) *view {
	var sb strings.Builder
	if notice != "" {
		sb.WriteString(notice + "\n\n")
	}

	sb.WriteString(txtCommands)
	for _, cmd := range commands {
		sb.WriteString(fmt.Sprintf("/%s - %s\n", cmd.Name, cmd.Descr))
	}

	kb := tg.NewInlineKeyboardMarkup(
		tg.NewInlineKeyboardRow(
			commandButton("➕ Add", cmdAdd),
			commandButton("📋 List", cmdList),
			commandButton("🕑 Time zone", cmdTZ),
		),
		tg.NewInlineKeyboardRow(
			commandButton("🌐 Web", cmdWeb),
			commandButton("🔑 New link", cmdNewLink),
			commandButton("⏩ Postpone", cmdPostpone),
		),
	)

	return &view{text: sb.String(), kb: &kb}
}

func commandButton(label string, cmd *Command) tg.InlineKeyboardButton {
	return tg.NewInlineKeyboardButtonData(label, cbqCmdPrefix+cmd.Name)
}

func (b *TBot) listView(ctx context.Context, usr int64, page int, deleteMode bool, notice string) *view {
	tasks, err := b.DB.ListTasks(ctx, usr)
	if err != nil {
		b.Logger.Errorw("failed listing tasks", "err", err)
		return errorView()
	}

	offset := b.offset(ctx, usr)

	pages := (len(tasks) + pageSize - 1) / pageSize
	page = max(0, min(page, pages-1))
	from := page * pageSize
	to := min(from+pageSize, len(tasks))

	var sb strings.Builder
	if notice != "" {
		sb.WriteString(notice + "\n\n")
	}

	switch {
	case len(tasks) == 0:
		sb.WriteString(txtNoTasks)
	case deleteMode:
		sb.WriteString(txtDeleteMode)
	default:
		sb.WriteString(fmt.Sprintf(fmtTasksHeader, page+1, pages))
	}

	var rows [][]tg.InlineKeyboardButton
	for i := from; i < to; i++ {
		t := tasks[i]
		sb.WriteString("\n" + formatListItem(i+1, &t, offset))

		label := fmt.Sprintf("#%d %s", t.ID, truncate(t.Text, maxButtonText))
		data := cbqTaskShow + strconv.Itoa(t.ID)
		if deleteMode {
			label = "🗑 " + label
			data = cbqTaskConfirmDelete + strconv.Itoa(t.ID)
		}
		rows = append(rows, tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData(label, data)))
	}

	if pages > 1 {
		pageData := cbqTasksPage
		if deleteMode {
			pageData = cbqDeleteModePage
		}

		var nav []tg.InlineKeyboardButton
		if page > 0 {
			nav = append(nav, tg.NewInlineKeyboardButtonData("«", pageData+strconv.Itoa(page-1)))
		}
		nav = append(nav, tg.NewInlineKeyboardButtonData(fmt.Sprintf("%d/%d", page+1, pages), cbqNoop))
		if page < pages-1 {
			nav = append(nav, tg.NewInlineKeyboardButtonData("»", pageData+strconv.Itoa(page+1)))
		}
		rows = append(rows, nav)
	}

	if deleteMode {
		rows = append(rows, tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("✔️ Done deleting", cbqTasksPage+strconv.Itoa(page))))
	} else {
		rows = append(rows,
			tg.NewInlineKeyboardRow(
				commandButton("➕ Add", cmdAdd),
				tg.NewInlineKeyboardButtonData("🗑 Delete", cbqDeleteMode),
				tg.NewInlineKeyboardButtonData("⏩ Postpone", cbqTasksPostpone),
			),
			tg.NewInlineKeyboardRow(commandButton("☰ Commands", cmdHelp)),
		)
	}

	kb := tg.NewInlineKeyboardMarkup(rows...)
	return &view{text: sb.String(), kb: &kb}
}

func (b *TBot) cardView(ctx context.Context, usr int64, id int, notice string) *view {
	t, err := b.DB.GetTask(ctx, usr, id)
	if err != nil {
		return b.taskErrView(ctx, usr, id, err)
	}

	offset := b.offset(ctx, usr)

	var sb strings.Builder
	if notice != "" {
		sb.WriteString(notice + "\n\n")
	}
	sb.WriteString(formatCard(t, offset))

	idStr := strconv.Itoa(t.ID)
	rows := [][]tg.InlineKeyboardButton{
		tg.NewInlineKeyboardRow(
			tg.NewInlineKeyboardButtonData("✏️ Edit text", cbqTaskEditText+idStr),
			tg.NewInlineKeyboardButtonData("📅 Edit due", cbqTaskEditDue+idStr),
		),
	}

	actions := []tg.InlineKeyboardButton{}
	if !t.Done {
		actions = append(actions, tg.NewInlineKeyboardButtonData("✅ Mark done", cbqTaskMarkDone+idStr))
	}
	actions = append(actions, tg.NewInlineKeyboardButtonData("🗑 Delete", cbqTaskConfirmDelete+idStr))
	rows = append(rows, actions)

	// Telegram accepts only public URLs in buttons
	if strings.HasPrefix(b.WebBaseURL, "https://") {
		token, err := b.DB.GetOrCreateAccessToken(ctx, usr)
		if err != nil {
			b.Logger.Errorw("failed getting access token", "err", err)
		} else {
			u := fmt.Sprintf("%s/tasks/%d?token=%s", b.WebBaseURL, t.ID, url.QueryEscape(token))
			rows = append(rows, tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonURL("🌐 Open in browser", u)))
		}
	}

	rows = append(rows, tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("« Back to list", cbqTasksPage+"0")))

	kb := tg.NewInlineKeyboardMarkup(rows...)
	return &view{text: sb.String(), kb: &kb}
}

func (b *TBot) linkView(token, notice string) *view {
	u := fmt.Sprintf("%s/?token=%s", b.WebBaseURL, url.QueryEscape(token))

	rows := [][]tg.InlineKeyboardButton{}
	if strings.HasPrefix(b.WebBaseURL, "https://") {
		rows = append(rows, tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonURL("🌐 Open in browser", u)))
	}
	rows = append(rows, tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("« Back to list", cbqTasksPage+"0")))

	kb := tg.NewInlineKeyboardMarkup(rows...)
	return &view{text: fmt.Sprintf(fmtLink, notice, html.EscapeString(u)), kb: &kb}
}

func calibrationView(a timezone.Anchor, notice string) *view {
	text := fmt.Sprintf(fmtCalibrate, a)
	if notice != "" {
		text = notice + "\n" + text
	}
	return &view{text: text, kb: &keyboardCancel}
}

func cancelToCard(id int) *tg.InlineKeyboardMarkup {
	kb := tg.NewInlineKeyboardMarkup(tg.NewInlineKeyboardRow(tg.NewInlineKeyboardButtonData("Cancel", cbqTaskShow+strconv.Itoa(id))))
	return &kb
}

func pickerView(s *picker.Session, notice string) *view {
	var sb strings.Builder
	if notice != "" {
		sb.WriteString(notice + "\n\n")
	}

	sb.WriteString(fmt.Sprintf(fmtPickerValue, s.Local().Format(layoutLocal)))

	fields := make([]string, 0, len(picker.Stages))
	for _, st := range picker.Stages {
		f := fmt.Sprintf("%s %s", st, formatPickerValue(st, s.Value(st)))
		if st == s.Stage {
			f = markActiveStep + "<b>" + f + "</b>"
		}
		fields = append(fields, f)
	}
	sb.WriteString(strings.Join(fields, " · ") + "\n")

	if s.Stage == picker.StageYear {
		sb.WriteString(txtYearAsText)
	} else {
		sb.WriteString(fmt.Sprintf(fmtPickerStage, s.Stage))
	}

	var rows [][]tg.InlineKeyboardButton
	if n, ok := pickerRowLen[s.Stage]; ok {
		var row []tg.InlineKeyboardButton
		current := s.Value(s.Stage)
		for _, v := range s.Options(s.Stage) {
			label := formatPickerValue(s.Stage, v)
			if v == current {
				label = "•" + label
			}
			row = append(row, tg.NewInlineKeyboardButtonData(label, picker.SetEvent(s.Stage, v).Data()))
			if len(row) == n {
				rows = append(rows, row)
				row = nil
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}

	var switches []tg.InlineKeyboardButton
	for _, st := range picker.Stages {
		if st != s.Stage {
			switches = append(switches, tg.NewInlineKeyboardButtonData(stageLabel(st), picker.StageEvent(st).Data()))
		}
	}
	rows = append(rows, switches)

	rows = append(rows, tg.NewInlineKeyboardRow(
		tg.NewInlineKeyboardButtonData("💾 Save", picker.SaveEvent().Data()),
		tg.NewInlineKeyboardButtonData("Cancel", picker.CancelEvent().Data()),
	))

	kb := tg.NewInlineKeyboardMarkup(rows...)
	return &view{text: sb.String(), kb: &kb}
}

func pickerErrText(err error) string {
	switch {
	case errors.Is(err, picker.ErrYearOutOfRange):
		return fmt.Sprintf(fmtYearRange, picker.MinYear, picker.MaxYear)
	case errors.Is(err, picker.ErrNotANumber), errors.Is(err, picker.ErrYearIsText):
		return txtYearAsText
	}
	return txtUseButtons
}

func stageLabel(st picker.Stage) string {
	name := st.String()
	return strings.ToUpper(name[:1]) + name[1:]
}

func formatPickerValue(st picker.Stage, v int) string {
	switch st {
	case picker.StageYear:
		return strconv.Itoa(v)
	case picker.StageMonth:
		return time.Month(v).String()[:3]
	}
	return fmt.Sprintf("%02d", v)
}

func formatListItem(n int, t *db.Task, offset int) string {
	mark := markActive
	if t.Done {
		mark = markDone
	}

	s := fmt.Sprintf(fmtListItem, n, mark, t.ID, html.EscapeString(t.Text))
	if t.DueAt != nil {
		s += fmt.Sprintf(fmtListItemDue, formatLocal(*t.DueAt, offset))
	}
	return s
}

func formatCard(t *db.Task, offset int) string {
	status := markActive + " active"
	if t.Done {
		status = markDone + " done"
	}

	due := txtNotSet
	if t.DueAt != nil {
		due = formatLocal(*t.DueAt, offset)
	}

	return fmt.Sprintf(fmtCard, t.ID, status, html.EscapeString(t.Text), formatLocal(t.CreatedAt, offset), due)
}

func formatLocal(t time.Time, offset int) string {
	return timezone.LocalTime(t, offset).Format(layoutLocal)
}

// formatOffset shows the offset the way people know it, e.g. UTC+03:00 for
// the offset of -180.
func formatOffset(offset int) string {
	sign := "+"
	east := -offset
	if east < 0 {
		sign = "-"
		east = -east
	}
	return fmt.Sprintf("UTC%s%02d:%02d", sign, east/60, east%60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
