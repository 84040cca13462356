package collab

import (
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs a callback and suppresses any panic so that a misbehaving
// application callback cannot take the session down. Optional handlers are
// invoked with the recovered error.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// Reconnect spaces out reconnect attempts with jitter so that a relay restart
// does not see every client dial back in the same instant.
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	jitter := time.Duration(mathrand.Int63n(int64(self.timeout) / 2))
	remaining := self.timeout + jitter - time.Since(self.start)
	if remaining < 0 {
		remaining = 0
	}
	return time.After(remaining)
}
