package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, DefaultTheme)

	c.Transcript("0123456789abcdef", "add a cube")
	c.Script("0123456789abcdef", "import bpy\nbpy.ops.mesh.primitive_cube_add()")
	c.Executed("0123456789abcdef", nil)
	c.Executed("r2", errors.New("Traceback (most recent call last):\nNameError: name 'x' is not defined"))
	c.Failed("r3", protocol.Fail(protocol.KindGenerationRejected, "model declined"))
	c.Status(&protocol.Status{State: protocol.StateInfo, Detail: "transcribing"})
	c.Status(&protocol.Status{State: protocol.StateReady})

	out := buf.String()
	for _, want := range []string{
		"[01234567]",
		"add a cube",
		"primitive_cube_add",
		"done",
		"NameError: name 'x' is not defined",
		"GenerationRejected: model declined",
		"info: transcribing",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Traceback") {
		t.Error("execution failure should show only the last line")
	}
	if strings.Contains(out, "ready") {
		t.Error("status without detail should be silent")
	}
}

func TestConsoleTruncatesLongScripts(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, DefaultTheme)
	c.Script("r1", strings.Repeat("print(1)\n", 40))
	if !strings.Contains(buf.String(), "28 more lines") {
		t.Errorf("output = %s", buf.String())
	}

	buf.Reset()
	c.ShowScripts = false
	c.Script("r1", "print(1)")
	if strings.Contains(buf.String(), "print(1)") {
		t.Error("script echoed with ShowScripts off")
	}
}
