package object

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marmos91/dittorpc/pkg/protocol"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// admissionTimeout bounds how long a request waits for the rate limiter.
const admissionTimeout = time.Second

// handleRequest decodes, dispatches and answers one request message.
func (a *ObjectAdapter) handleRequest(c *connection, msg *protocol.Message) {
	body, err := protocol.DecodeRequest(msg)
	if err != nil {
		a.log.Warn("Adapter %s: malformed request from %s: %v", a.config.Name, c, err)
		c.close(closeError)
		return
	}
	current := body.Current(a.config.Name, c.remote)

	a.mu.RLock()
	if a.stopping {
		a.mu.RUnlock()
		a.reply(c, current, &protocol.ReplyBody{
			Status:  uint32(protocol.ReplyUnknownError),
			Message: rpc.Deactivated("object adapter " + a.config.Name).Error(),
		})
		return
	}
	a.dispatches.Add(1)
	a.mu.RUnlock()
	defer a.dispatches.Done()

	start := time.Now()
	reply := a.Dispatch(a.shutdownCtx, current, body.Params)
	a.metrics.RecordRequest(current.Operation, protocol.ReplyStatus(reply.Status).String(), time.Since(start))

	a.log.Debug("Adapter %s: %s.%s from %s: %s (%v)", a.config.Name, current.ID, current.Operation,
		c, protocol.ReplyStatus(reply.Status), time.Since(start))

	a.reply(c, current, reply)
}

func (a *ObjectAdapter) reply(c *connection, current *rpc.Current, reply *protocol.ReplyBody) {
	// Oneway requests carry request id 0 and get no reply.
	if current.RequestID == 0 {
		return
	}
	reply.RequestID = current.RequestID

	out, err := protocol.EncodeReply(reply)
	if err != nil {
		a.log.Error("Adapter %s: %v", a.config.Name, err)
		return
	}
	if err := c.send(out); err != nil {
		a.log.Debug("Adapter %s: reply to %s failed: %v", a.config.Name, c, err)
		if !errors.Is(err, errClosed) {
			c.close(closeError)
		}
	}
}

// Dispatch runs the request described by current and returns its reply.
//
// The request first passes the rate limiter. The whole unit of work,
// servant lookup included, is restarted with exponential backoff while it
// fails with a retryable error, up to Retry.MaxAttempts. A retryable error
// from Finished after a Normal operation was applied is not retried: the
// servant state already changed. Errors are mapped to reply statuses;
// panics in servants and locators become UnknownError.
func (a *ObjectAdapter) Dispatch(ctx context.Context, current *rpc.Current, params []byte) *protocol.ReplyBody {
	if !a.limiter.Unlimited() {
		wctx, cancel := context.WithTimeout(ctx, admissionTimeout)
		err := a.limiter.Wait(wctx)
		cancel()
		if err != nil {
			a.metrics.RecordRateLimited()
			return &protocol.ReplyBody{Status: uint32(protocol.ReplyUnknownError), Message: "rate limited"}
		}
	}

	var result []byte
	attempt := 0
	operation := func() error {
		attempt++
		var (
			err     error
			applied bool
		)
		result, applied, err = a.invoke(ctx, current, params)
		if err == nil {
			return nil
		}
		if rpc.IsRetryable(err) && !(applied && current.Mode == rpc.Normal) {
			a.metrics.RecordRetry(current.Operation)
			a.log.Debug("Adapter %s: %s.%s attempt %d: %v", a.config.Name, current.ID, current.Operation, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, a.newBackOff(ctx))
	return replyFor(result, err)
}

func (a *ObjectAdapter) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.config.Retry.InitialInterval
	exp.MaxInterval = a.config.Retry.MaxInterval
	exp.MaxElapsedTime = 0

	retries := a.config.Retry.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// invoke runs one attempt: resolve the servant, dispatch, and pair every
// successful Locate with Finished. applied reports that the servant
// completed the operation, so err can only come from Finished.
func (a *ObjectAdapter) invoke(ctx context.Context, current *rpc.Current, params []byte) (result []byte, applied bool, err error) {
	if s := a.servants.FindServant(current.ID); s != nil {
		result, err = a.call(ctx, s, current, params)
		return result, false, err
	}

	locator := a.servants.FindServantLocator(current.ID.Category)
	if locator == nil && current.ID.Category != "" {
		locator = a.servants.FindServantLocator("")
	}
	if locator == nil {
		return nil, false, rpc.ObjectNotFound(current.ID)
	}

	s, cookie, err := a.locate(ctx, locator, current)
	if err != nil {
		return nil, false, err
	}
	if s == nil {
		return nil, false, rpc.ObjectNotFound(current.ID)
	}

	result, err = a.call(ctx, s, current, params)
	if ferr := a.finished(ctx, locator, current, s, cookie); ferr != nil && err == nil {
		return nil, true, ferr
	}
	return result, false, err
}

func (a *ObjectAdapter) call(ctx context.Context, s rpc.Servant, current *rpc.Current, params []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Adapter %s: servant for %s panicked in %s: %v", a.config.Name, current.ID, current.Operation, r)
			result, err = nil, fmt.Errorf("servant panic: %v", r)
		}
	}()
	return s.Dispatch(ctx, current, params)
}

func (a *ObjectAdapter) locate(ctx context.Context, locator rpc.ServantLocator, current *rpc.Current) (s rpc.Servant, cookie rpc.Cookie, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Adapter %s: servant locator panicked locating %s: %v", a.config.Name, current.ID, r)
			s, cookie, err = nil, nil, fmt.Errorf("servant locator panic: %v", r)
		}
	}()
	return locator.Locate(ctx, current)
}

func (a *ObjectAdapter) finished(ctx context.Context, locator rpc.ServantLocator, current *rpc.Current, s rpc.Servant, cookie rpc.Cookie) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Adapter %s: servant locator panicked finishing %s: %v", a.config.Name, current.ID, r)
			err = fmt.Errorf("servant locator panic: %v", r)
		}
	}()
	return locator.Finished(ctx, current, s, cookie)
}

// replyFor maps a dispatch outcome to a reply body.
func replyFor(result []byte, err error) *protocol.ReplyBody {
	if err == nil {
		return &protocol.ReplyBody{Status: uint32(protocol.ReplyOK), Payload: result}
	}

	var userErr *rpc.UserError
	if errors.As(err, &userErr) {
		return &protocol.ReplyBody{
			Status:  uint32(protocol.ReplyUserError),
			Message: userErr.Message,
			Payload: userErr.Payload,
		}
	}

	status := protocol.ReplyUnknownError
	if code, ok := rpc.CodeOf(err); ok {
		switch code {
		case rpc.CodeObjectNotFound:
			status = protocol.ReplyObjectNotExist
		case rpc.CodeOperationNotExist:
			status = protocol.ReplyOperationNotExist
		}
	}
	return &protocol.ReplyBody{Status: uint32(status), Message: err.Error()}
}
