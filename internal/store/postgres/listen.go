package postgres

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/DoyleJ11/team-draft/internal/store"
)

// Listen holds a dedicated LISTEN connection and feeds every notification
// into the broker. Lost connections are re-established with exponential
// backoff; each reconnect drops all subscribers so they re-fetch whatever
// changed while the feed was down. Listen returns when ctx ends.
func (s *Store) Listen(ctx context.Context) error {
	for ctx.Err() == nil {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, s.listenOnce(ctx)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				s.logger.Warn("notification feed lost", "error", err, "retry_in", wait)
			}),
		)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("notification feed stopped", "error", err)
		}
	}
	return nil
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return errors.Wrap(err, "connect listener")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return errors.Wrap(err, "listen")
	}
	s.broker.Reset()
	s.logger.Info("notification feed connected", "channel", NotifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.Wrap(err, "wait for notification")
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *Store) dispatch(ctx context.Context, raw string) {
	var p payload
	if err := sonic.UnmarshalString(raw, &p); err != nil {
		// The room is unknown, so every subscriber re-fetches.
		s.logger.Warn("bad notification payload", "payload", raw, "error", err)
		s.broker.Reset()
		return
	}
	if s.broker.Subscribers(p.RoomID) == 0 {
		return
	}

	n, err := s.resolve(ctx, p)
	switch {
	case err == nil:
		s.broker.Publish(n)
	case rowGone(p, err):
		// Removed by a later write whose own notification follows.
		s.logger.Debug("notified row is gone", "kind", p.Kind, "room", p.RoomID, "id", p.ID)
	default:
		// The change is lost to this feed; drop the room's subscribers so
		// they subscribe again and reload.
		s.logger.Warn("resolve notification", "kind", p.Kind, "room", p.RoomID, "error", err)
		s.broker.ResetRoom(p.RoomID)
	}
}

func rowGone(p payload, err error) bool {
	if !errors.Is(err, store.ErrNotFound) {
		return false
	}
	return p.Kind == store.ParticipantJoined || p.Kind == store.MessagePosted
}

// resolve re-reads the row a payload points at.
func (s *Store) resolve(ctx context.Context, p payload) (store.Notification, error) {
	n := store.Notification{Kind: p.Kind, RoomID: p.RoomID}
	switch p.Kind {
	case store.DraftUpdated:
		d, err := s.LoadDraft(ctx, p.RoomID)
		if err != nil {
			return n, err
		}
		n.Draft = &d
	case store.ParticipantJoined:
		participant, err := s.Participant(ctx, p.RoomID, p.ID)
		if err != nil {
			return n, err
		}
		n.Participant = &participant
	case store.MessagePosted:
		m, err := s.message(ctx, p.RoomID, p.ID)
		if err != nil {
			return n, err
		}
		n.Message = &m
	case store.ParticipantsCleared:
	default:
		return n, errors.Newf("unknown notification kind %q", p.Kind)
	}
	return n, nil
}
