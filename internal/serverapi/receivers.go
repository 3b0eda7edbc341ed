package serverapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustytimer/rusty-timer/internal/fanout"
	"github.com/rustytimer/rusty-timer/internal/serverstore"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

const receiverReadIdleTimeout = 60 * time.Second

// resolvedStream is one stream selected by a ReceiverHelloV12's mode,
// together with the (epoch, seq) replay origin computed for it.
type resolvedStream struct {
	stream     serverstore.Stream
	startEpoch int64
	startSeq   int64
}

// handleReceiverWS upgrades the connection, resolves the receiver's
// mode into a concrete stream set and replay origin per stream, then
// runs one fanout.Engine per stream, multiplexed onto this single
// connection (spec.md §4.5).
func (s *Server) handleReceiverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("receiver websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(receiverReadIdleTimeout))
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Kind != wire.KindReceiverHelloV12 {
		sendEnvelope(conn, wire.KindErrorMessage, wire.NewErrorMessage(wire.CodeProtocolError, "expected ReceiverHelloV12"))
		return
	}
	var hello wire.ReceiverHelloV12
	if err := env.Decode(&hello); err != nil {
		sendEnvelope(conn, wire.KindErrorMessage, wire.NewErrorMessage(wire.CodeProtocolError, "malformed ReceiverHelloV12"))
		return
	}
	if err := hello.Mode.Validate(); err != nil {
		sendEnvelope(conn, wire.KindErrorMessage, wire.NewErrorMessage(wire.CodeProtocolError, err.Error()))
		return
	}

	ident, err := s.store.AuthenticateToken(ctx, hello.Token)
	if err != nil {
		sendEnvelope(conn, wire.KindErrorMessage, wire.NewErrorMessage(wire.CodeInvalidToken, "invalid or revoked token"))
		return
	}
	if ident.DeviceID != hello.ReceiverID {
		sendEnvelope(conn, wire.KindErrorMessage, wire.NewErrorMessage(wire.CodeIdentityMismatch, "token device_id does not match receiver_id"))
		return
	}

	resolved, err := s.resolveMode(ctx, hello.ReceiverID, hello.Mode)
	if err != nil {
		sendEnvelope(conn, wire.KindErrorMessage, wire.NewErrorMessage(wire.CodeProtocolError, err.Error()))
		return
	}
	if len(resolved) == 0 {
		sendEnvelope(conn, wire.KindErrorMessage, wire.NewErrorMessage(wire.CodeProtocolError, "mode resolved to no streams"))
		return
	}

	applied := wire.ReceiverModeApplied{}
	for _, rs := range resolved {
		key := streamKeyOf(rs.stream)
		applied.NormalizedStreams = append(applied.NormalizedStreams, key)
		applied.Cursors = append(applied.Cursors, wire.NormalizedCursor{StreamKey: key, Epoch: rs.startEpoch, FromSeq: rs.startSeq})
	}
	sendEnvelope(conn, wire.KindReceiverModeApplied, applied)

	s.runReceiverEngines(ctx, conn, hello.ReceiverID, resolved)
}

// resolveMode implements spec.md §4.5 step 2-3: turn a Mode into a
// concrete stream set with a per-stream replay origin.
func (s *Server) resolveMode(ctx context.Context, receiverID string, mode wire.Mode) ([]resolvedStream, error) {
	switch mode.Kind {
	case wire.ModeLive:
		var out []resolvedStream
		for _, key := range mode.Streams {
			streamID, _, found, err := s.store.StreamEpochForKey(ctx, key)
			if err != nil || !found {
				continue
			}
			st, err := s.store.StreamByID(ctx, streamID)
			if err != nil {
				continue
			}
			cursorEpoch, cursorSeq, cursorFound, err := s.store.ReceiverCursorFor(ctx, receiverID, streamID)
			if err != nil {
				return nil, fmt.Errorf("resolve live cursor: %w", err)
			}
			startEpoch, startSeq := cursorEpoch, cursorSeq
			if !cursorFound {
				startEpoch, startSeq = 0, 0
				if earliest, ok := mode.EarliestEpochs[key.String()]; ok {
					startEpoch = earliest
				}
			}
			out = append(out, resolvedStream{stream: st, startEpoch: startEpoch, startSeq: startSeq})
		}
		return out, nil

	case wire.ModeRace:
		streams, err := s.store.StreamsForRace(ctx, mode.RaceID)
		if err != nil {
			return nil, err
		}
		var out []resolvedStream
		for _, st := range streams {
			cursorEpoch, cursorSeq, found, err := s.store.ReceiverCursorFor(ctx, receiverID, st.StreamID)
			if err != nil {
				return nil, fmt.Errorf("resolve race cursor: %w", err)
			}
			if !found {
				cursorEpoch, cursorSeq = st.StreamEpoch, 0
			}
			out = append(out, resolvedStream{stream: st, startEpoch: cursorEpoch, startSeq: cursorSeq})
		}
		return out, nil

	case wire.ModeTargetedReplay:
		var out []resolvedStream
		for _, target := range mode.Targets {
			streamID, _, found, err := s.store.StreamEpochForKey(ctx, target.StreamKey)
			if err != nil || !found {
				continue
			}
			st, err := s.store.StreamByID(ctx, streamID)
			if err != nil {
				continue
			}
			out = append(out, resolvedStream{stream: st, startEpoch: target.Epoch, startSeq: target.FromSeq})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown mode kind %q", wire.ErrProtocolViolation, mode.Kind)
	}
}

// runReceiverEngines spawns one fanout.Engine per resolved stream,
// multiplexes their output onto conn, and routes incoming ReceiverAck
// entries back to the matching engine and to persisted cursors.
func (s *Server) runReceiverEngines(ctx context.Context, conn *websocket.Conn, receiverID string, resolved []resolvedStream) {
	byKey := make(map[string]*fanout.Engine, len(resolved))

	outCh := make(chan wire.ReceiverEventBatch, 16)
	var wg sync.WaitGroup

	engineCtx, cancelEngines := context.WithCancel(ctx)
	defer cancelEngines()

	for _, rs := range resolved {
		key := streamKeyOf(rs.stream)
		engine := fanout.NewEngine(rs.stream.StreamID, key, s.hub, s.store, fanout.WithLogger(s.logger))
		byKey[key.String()] = engine

		wg.Add(1)
		go func(rs resolvedStream, e *fanout.Engine) {
			defer wg.Done()
			if err := e.Run(engineCtx, rs.startEpoch, rs.startSeq); err != nil {
				s.logger.Info("fanout engine stopped", "stream_id", rs.stream.StreamID, "error", err)
				cancelEngines()
			}
		}(rs, engine)

		go func(e *fanout.Engine) {
			for batch := range e.Out() {
				select {
				case outCh <- batch:
				case <-engineCtx.Done():
					return
				}
			}
		}(engine)
	}

	readErrCh := make(chan error, 1)
	ackCh := make(chan wire.ReceiverAck, 16)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(receiverReadIdleTimeout))
			var env wire.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErrCh <- err
				return
			}
			if env.Kind != wire.KindReceiverAck {
				continue
			}
			var ack wire.ReceiverAck
			if err := env.Decode(&ack); err != nil {
				continue
			}
			select {
			case ackCh <- ack:
			case <-engineCtx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			cancelEngines()
			wg.Wait()
			return

		case <-heartbeat.C:
			if err := sendEnvelope(conn, wire.KindHeartbeat, wire.Heartbeat{DeviceID: receiverID, SentAt: time.Now()}); err != nil {
				cancelEngines()
				wg.Wait()
				return
			}

		case <-readErrCh:
			cancelEngines()
			wg.Wait()
			return

		case batch := <-outCh:
			if err := sendEnvelope(conn, wire.KindReceiverEventBatch, batch); err != nil {
				cancelEngines()
				wg.Wait()
				return
			}

		case ack := <-ackCh:
			for _, entry := range ack.Entries {
				if engine, ok := byKey[entry.StreamKey.String()]; ok {
					engine.Ack(entry.Epoch, entry.AckedThroughSeq)
				}
				if streamID, _, found, _ := s.store.StreamEpochForKey(ctx, entry.StreamKey); found {
					s.store.UpsertReceiverCursor(ctx, serverstore.ReceiverCursor{
						ReceiverID:  receiverID,
						StreamID:    streamID,
						StreamEpoch: entry.Epoch,
						LastSeq:     entry.AckedThroughSeq,
					})
				}
			}
		}
	}
}

func sendEnvelope(conn *websocket.Conn, kind wire.Kind, msg any) error {
	env, err := wire.Encode(kind, msg)
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}
