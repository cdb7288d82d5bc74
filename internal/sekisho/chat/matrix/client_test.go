package matrix

import (
	"strings"
	"testing"

	"github.com/bdobrica/sekisho/internal/sekisho/chat"
)

func TestFormatMessage_ListsActions(t *testing.T) {
	keyboard := chat.Keyboard{
		{Label: "✅ approve once", Payload: "approve:r-1:once"},
		{Label: "❌ deny", Payload: "deny:r-1"},
	}

	content := formatMessage("Run `hello`?", keyboard)

	if !strings.Contains(content.Body, "✅ approve once | ❌ deny") {
		t.Errorf("plain body missing action labels: %q", content.Body)
	}
	if strings.Contains(content.Body, "approve:r-1:once") {
		t.Errorf("plain body leaks raw payloads: %q", content.Body)
	}
	if !strings.Contains(content.FormattedBody, "<code>hello</code>") {
		t.Errorf("formatted body missing code span: %q", content.FormattedBody)
	}
}

func TestFormatMessage_NoKeyboard(t *testing.T) {
	content := formatMessage("done", nil)
	if strings.Contains(content.Body, "Actions:") {
		t.Errorf("keyboard-less message should not list actions: %q", content.Body)
	}
}

func TestToHTML_EscapesMarkup(t *testing.T) {
	got := toHTML("a <b> & **bold**\nnext")
	if strings.Contains(got, "<b>") {
		t.Errorf("raw HTML not escaped: %q", got)
	}
	if !strings.Contains(got, "<strong>bold</strong>") {
		t.Errorf("bold not rendered: %q", got)
	}
	if !strings.Contains(got, "<br/>") {
		t.Errorf("newline not converted: %q", got)
	}
}
