// Package history keeps the per-session record of commands whose scripts
// ran successfully, so later generations can refer back to them.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ManveerAnand/articulate3D/pkg/genx"
)

// DefaultLimit is the number of turns Recent returns when n <= 0.
const DefaultLimit = 10

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("history: store closed")

// Turn is one completed command: what the user asked and the script that ran.
type Turn struct {
	Command   string `msgpack:"cmd"`
	Script    string `msgpack:"script"`
	Timestamp int64  `msgpack:"ts"`
}

// Store persists turns per session. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append records t at the end of the session's history. A zero
	// Timestamp is set to the current time.
	Append(ctx context.Context, session string, t Turn) error

	// Recent returns up to n of the latest turns, oldest first.
	Recent(ctx context.Context, session string, n int) ([]Turn, error)

	// Discard drops every turn of the session.
	Discard(ctx context.Context, session string) error

	Close() error
}

// Messages renders turns as alternating user/model messages.
func Messages(turns []Turn) []*genx.Message {
	var mcb genx.ModelContextBuilder
	for _, t := range turns {
		mcb.UserText("", "Command: "+t.Command)
		mcb.ModelText("", t.Script)
	}
	return mcb.Messages
}

func stamp(t *Turn) {
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixNano()
	}
}

func encode(t Turn) ([]byte, error) {
	return msgpack.Marshal(t)
}

func decode(b []byte) (Turn, error) {
	var t Turn
	err := msgpack.Unmarshal(b, &t)
	return t, err
}

func limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}
