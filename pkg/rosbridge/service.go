package rosbridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service is a handle on a remote ROS service.
type Service struct {
	session *Session
	name    string
	srvType string
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Call sends args and decodes the response values into result (which may
// be nil). If ctx has no deadline the session's request timeout applies.
// A response with result=false yields an error wrapping ErrServiceFailed.
func (s *Service) Call(ctx context.Context, args, result any) error {
	sess := s.session
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sess.cfg.RequestTimeout)
		defer cancel()
	}

	id := "call_service:" + s.name + ":" + uuid.NewString()
	ch := make(chan reply, 1)

	sess.mu.Lock()
	if sess.conn == nil {
		sess.mu.Unlock()
		return fmt.Errorf("call %s: %w", s.name, ErrNotConnected)
	}
	sess.pending[id] = ch
	done := sess.done
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		if sess.pending != nil {
			delete(sess.pending, id)
		}
		sess.mu.Unlock()
	}()

	if args == nil {
		args = struct{}{}
	}
	err := sess.send(opCallService{
		Op:      "call_service",
		ID:      id,
		Service: s.name,
		Type:    s.srvType,
		Args:    args,
	})
	if err != nil {
		return fmt.Errorf("call %s: %w", s.name, err)
	}

	select {
	case r := <-ch:
		if !r.result {
			return fmt.Errorf("call %s: %w: %s", s.name, ErrServiceFailed, r.values.text())
		}
		if result == nil {
			return nil
		}
		if err := r.values.Decode(result); err != nil {
			return fmt.Errorf("call %s: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call %s: %w", s.name, ctx.Err())
	case <-done:
		return fmt.Errorf("call %s: %w", s.name, ErrClosed)
	}
}
