package poll

import (
	"context"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"go.uber.org/zap"
)

// Gate holds polling until the app is foreground-visible and the network is reachable.
type Gate struct {
	Foreground *observable.Value[bool]
	Online     *observable.Value[bool]
}

// NewGate returns a gate over the two observables. A nil observable is treated as always true.
func NewGate(foreground, online *observable.Value[bool]) Gate {
	return Gate{Foreground: foreground, Online: online}
}

// Open reports whether both conditions currently hold.
func (g Gate) Open() bool {
	return isTrue(g.Foreground) && isTrue(g.Online)
}

// Wait blocks until both conditions hold at the same time. It re-waits whenever
// one of them is lost while waiting for the other.
func (g Gate) Wait(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	foreground := subscribeOrTrue(waitCtx, g.Foreground)
	online := subscribeOrTrue(waitCtx, g.Online)

	isForeground := isTrue(g.Foreground)
	isOnline := isTrue(g.Online)
	logged := false
	for !(isForeground && isOnline) {
		if !logged {
			logger.Info("poll gate closed, waiting",
				zap.Bool("foreground", isForeground),
				zap.Bool("online", isOnline))
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case value, ok := <-foreground:
			if !ok {
				return ctx.Err()
			}
			if isForeground && !value {
				logger.Info("poll gate lost foreground while waiting")
			}
			isForeground = value
		case value, ok := <-online:
			if !ok {
				return ctx.Err()
			}
			if isOnline && !value {
				logger.Info("poll gate lost connectivity while waiting")
			}
			isOnline = value
		}
	}
	if logged {
		logger.Info("poll gate open")
	}
	return nil
}

func isTrue(value *observable.Value[bool]) bool {
	if value == nil {
		return true
	}
	return value.Get()
}

func subscribeOrTrue(ctx context.Context, value *observable.Value[bool]) <-chan bool {
	if value == nil {
		// A nil channel never fires; the initial state already reads as true.
		return nil
	}
	stream, _ := value.Subscribe(ctx)
	return stream
}
