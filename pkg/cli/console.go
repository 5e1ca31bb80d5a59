package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

// maxScriptLines bounds how much of a script the console echoes.
const maxScriptLines = 12

// Console prints controller events for a human. It is safe for
// concurrent use.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	styles Styles

	// ShowScripts echoes queued scripts.
	ShowScripts bool
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer, t Theme) *Console {
	return &Console{w: w, styles: NewStyles(t), ShowScripts: true}
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (c *Console) tag(id string) string {
	if id == "" {
		return ""
	}
	return c.styles.Help.Render("["+shortID(id)+"]") + " "
}

func (c *Console) Transcript(id, text string) {
	c.println(c.tag(id) + c.styles.Label.Render("heard") + " " + text)
}

func (c *Console) Script(id, text string) {
	head := c.tag(id) + c.styles.Label.Render("script") + " " + c.styles.Help.Render(FormatSize(len(text)))
	if !c.ShowScripts {
		c.println(head)
		return
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > maxScriptLines {
		more := len(lines) - maxScriptLines
		lines = append(lines[:maxScriptLines], fmt.Sprintf("… %d more lines", more))
	}
	c.println(head + "\n" + c.styles.Code.Render(strings.Join(lines, "\n")))
}

func (c *Console) Executed(id string, err error) {
	if err != nil {
		c.println(c.tag(id) + c.styles.Fail.Render("✗ execution failed") + " " + firstLine(err.Error()))
		return
	}
	c.println(c.tag(id) + c.styles.Title.Render("✓ done"))
}

func (c *Console) Failed(id string, f *protocol.Failure) {
	msg := string(f.Kind)
	if msg == "" {
		msg = "error"
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	c.println(c.tag(id) + c.styles.Fail.Render("✗ "+msg))
}

func (c *Console) Status(st *protocol.Status) {
	if st.Detail == "" {
		return
	}
	c.println(c.tag(st.RequestID) + c.styles.Help.Render(st.State+": "+st.Detail))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		// Interpreter tracebacks end with the interesting line.
		return s[i+1:]
	}
	return s
}
