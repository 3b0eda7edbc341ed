package receiversession

import (
	"context"
	"fmt"
	"time"

	"github.com/rustytimer/rusty-timer/internal/wire"
)

// runSession reads frames from sess until the connection fails or ctx
// is cancelled, writing each batch's raw frames to the matching local
// broadcaster, persisting cursors, and pacing acks per spec.md §4.6.
// Returns fatal=true when the server reported a non-retryable error.
func (s *Session) runSession(ctx context.Context, sess *connectedSession) (fatal bool, err error) {
	readErrCh := make(chan error, 1)
	envCh := make(chan wire.Envelope, 16)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			sess.conn.SetReadDeadline(time.Now().Add(s.cfg.heartbeatTimeout()))
			var env wire.Envelope
			if err := sess.conn.ReadJSON(&env); err != nil {
				readErrCh <- err
				return
			}
			select {
			case envCh <- env:
			case <-sessCtx.Done():
				return
			}
		}
	}()

	ackTicker := time.NewTicker(s.cfg.ackFlushInterval())
	defer ackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case <-s.wake:
			// Mode changed out from under us: reconnect to apply it.
			return false, fmt.Errorf("mode changed, reconnecting")

		case err := <-readErrCh:
			return false, fmt.Errorf("read: %w", err)

		case env := <-envCh:
			f, handleErr := s.handleFrame(ctx, sess, env)
			if handleErr != nil {
				return f, handleErr
			}
			if len(sess.pendingAcks) >= s.cfg.ackMaxEntries() {
				if err := s.flushAcks(sess); err != nil {
					return false, err
				}
			}

		case <-ackTicker.C:
			if err := s.flushAcks(sess); err != nil {
				return false, err
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, sess *connectedSession, env wire.Envelope) (fatal bool, err error) {
	switch env.Kind {
	case wire.KindHeartbeat:
		return false, nil

	case wire.KindReceiverEventBatch:
		var batch wire.ReceiverEventBatch
		if err := env.Decode(&batch); err != nil {
			return false, fmt.Errorf("decode event batch: %w", err)
		}
		s.applyBatch(ctx, sess, batch)
		return false, nil

	case wire.KindErrorMessage:
		var em wire.ErrorMessage
		if err := env.Decode(&em); err != nil {
			return false, fmt.Errorf("decode error message: %w", err)
		}
		if !em.Retryable {
			return true, fmt.Errorf("server error %s: %s", em.Code, em.Message)
		}
		return false, fmt.Errorf("server error %s: %s", em.Code, em.Message)

	default:
		return false, fmt.Errorf("%w: unexpected frame kind %q", wire.ErrProtocolViolation, env.Kind)
	}
}

// applyBatch writes a batch's raw frames to the stream's local
// broadcaster (skipped for a degraded stream — spec.md §4.6 says a
// port collision disables the stream, not the whole session), updates
// the persisted cursor, and queues the corresponding ack entry.
func (s *Session) applyBatch(ctx context.Context, sess *connectedSession, batch wire.ReceiverEventBatch) {
	key := batch.StreamKey.String()

	if b, ok := sess.broadcasters[key]; ok {
		for _, evt := range batch.Events {
			b.Write(evt.RawFrame)
			b.Write([]byte("\n"))
		}
	}

	if err := s.store.UpsertCursor(ctx, batch.StreamKey, batch.Epoch, batch.LastSeq); err != nil {
		s.logger.Error("failed to persist receiver cursor", "stream_key", key, "error", err)
	}

	sess.pendingAcks[key] = wire.AckEntry{
		StreamKey:       batch.StreamKey,
		Epoch:           batch.Epoch,
		AckedThroughSeq: batch.LastSeq,
	}
}

func (s *Session) flushAcks(sess *connectedSession) error {
	if len(sess.pendingAcks) == 0 {
		return nil
	}
	ack := wire.ReceiverAck{Entries: make([]wire.AckEntry, 0, len(sess.pendingAcks))}
	for _, entry := range sess.pendingAcks {
		ack.Entries = append(ack.Entries, entry)
	}
	if err := sendEnvelope(sess.conn, wire.KindReceiverAck, ack); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	sess.pendingAcks = make(map[string]wire.AckEntry)
	return nil
}
