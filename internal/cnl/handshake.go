package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// HelloCannelloni opens a cannelloni TCP session.
const HelloCannelloni = "CANNELLONIv1"

// ErrBadHello means the peer answered with a different greeting.
var ErrBadHello = errors.New("bad hello")

// Handshake runs the cannelloni hello exchange.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	return Exchange(ctx, c, HelloCannelloni, timeout)
}

// Exchange sends hello and expects the same bytes back, concurrently, so
// both ends may greet first.
func Exchange(ctx context.Context, c net.Conn, hello string, timeout time.Duration) error {
	if deadlineErr := c.SetDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return fmt.Errorf("set deadline: %w", deadlineErr)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)

	go func() {
		_, err := io.WriteString(c, hello)
		errCh <- err
	}()

	go func() {
		buf := make([]byte, len(hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != hello {
			err = fmt.Errorf("%w: %q", ErrBadHello, buf)
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}
