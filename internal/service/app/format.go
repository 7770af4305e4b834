package app

import (
	"errors"
	"fmt"
	"strings"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/service/realtime"

	"github.com/rivo/tview"
)

const timeLayout = "Jan 2 15:04"

// ThreadLabel renders the two lines of a thread list entry.
func ThreadLabel(t model.Thread) (string, string) {
	name := tview.Escape(t.DisplayName)
	if t.UnreadCount > 0 {
		name = fmt.Sprintf("%s [yellow](%d)[-]", name, t.UnreadCount)
	}
	last := t.LastText
	if len([]rune(last)) > 28 {
		last = string([]rune(last)[:27]) + "…"
	}
	return name, tview.Escape(last)
}

func RenderMessages(msgs []model.Message, self string) string {
	var b strings.Builder
	for _, m := range msgs {
		who, color := "Them", "green"
		if m.IsMine || m.AuthorID == self {
			who, color = "You", "yellow"
		}
		fmt.Fprintf(&b, "[gray]%s[-] [%s]%s:[-] %s\n", m.CreatedAt.Local().Format(timeLayout), color, who, tview.Escape(m.Text))
	}
	return b.String()
}

func StatusLine(identity string, state realtime.State, keys model.KeyStatus) string {
	key := "[green]keys ready[-]"
	if !keys.Ready {
		key = "[red]keys not ready[-]"
	}
	return fmt.Sprintf(" %s | %s | %s", identity, state, key)
}

// SendErrorText is what the user sees when a send fails.
func SendErrorText(err error) string {
	switch {
	case errors.Is(err, model.ErrNotConnected):
		return "offline, message not sent; try again when connected"
	case errors.Is(err, model.ErrKeysNotReady):
		return "encryption keys are not ready"
	case errors.Is(err, model.ErrPublicKeyUnresolvable):
		return "recipient has no encryption key yet"
	case errors.Is(err, model.ErrSendInProgress):
		return "still sending the previous message"
	}
	return "send failed"
}
