package power

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// helperSettle is how long a freshly started helper must stay alive before
// its inhibitor is considered granted. Helpers that are refused by the
// power-management service exit right away.
var helperSettle = 150 * time.Millisecond

// processLock holds an inhibitor for as long as a helper process lives.
type processLock struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	err  error
}

// startProcessLock starts cmd, reaps it in the background so it never
// becomes a zombie, and waits helperSettle for an early exit.
func startProcessLock(ctx context.Context, cmd *exec.Cmd) (*processLock, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", filepath.Base(cmd.Path), err)
	}
	l := &processLock{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(l.done)
	}()

	timer := time.NewTimer(helperSettle)
	defer timer.Stop()
	select {
	case <-l.done:
		return nil, fmt.Errorf("%s exited before the inhibitor was granted: %s", filepath.Base(cmd.Path), cmd.ProcessState)
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	case <-timer.C:
		return l, nil
	}
}

func (l *processLock) Close() error {
	l.once.Do(func() {
		if err := l.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.err = err
		}
		<-l.done
	})
	return l.err
}
