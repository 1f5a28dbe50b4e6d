// Package postgres is the shared Store used when several server processes
// coordinate the same rooms. Writes go through gorm; change notifications
// travel over LISTEN/NOTIFY and are re-read as whole rows before fan-out.
package postgres

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/team-draft/internal/apperr"
	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/logging"
	"github.com/DoyleJ11/team-draft/internal/store"
)

// NotifyChannel is the postgres channel every write notifies on.
const NotifyChannel = "team_draft_changes"

const uniqueViolation = "23505"

type Store struct {
	db     *gorm.DB
	dsn    string
	broker *store.Broker
	logger *logging.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects, migrates the schema and returns a Store. Call Listen to
// start delivering notifications to subscribers.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	s := &Store{
		db:     db,
		dsn:    dsn,
		broker: store.NewBroker(store.DefaultSubscriberBuffer),
		logger: logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres handle")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, apperr.Transient(errors.Wrap(err, "ping postgres"))
	}
	if err := Migrate(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&roomRow{}, &draftRow{}, &participantRow{}, &messageRow{}); err != nil {
		return errors.Wrap(err, "migrate")
	}
	// One captain per team per room; gorm tags cannot express a partial index.
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ` + participantsCaptainIdx +
		` ON participants (room_id, team) WHERE role = 'captain'`).Error
	return errors.Wrap(err, "migrate captain index")
}

func (s *Store) CreateRoom(ctx context.Context, room store.Room, initial engine.State) (store.Draft, error) {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	row, err := toDraftRow(room.ID, 1, initial, room.CreatedAt)
	if err != nil {
		return store.Draft{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := toRoomRow(room)
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return store.Draft{}, translate(err, "create room")
	}
	return row.toDraft()
}

func (s *Store) RoomByCode(ctx context.Context, code string) (store.Room, error) {
	var row roomRow
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&row).Error; err != nil {
		return store.Room{}, translate(err, "room "+code)
	}
	return row.toRoom(), nil
}

func (s *Store) CodeTaken(ctx context.Context, code string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&roomRow{}).Where("code = ?", code).Count(&n).Error; err != nil {
		return false, translate(err, "check room code")
	}
	return n > 0, nil
}

func (s *Store) LoadDraft(ctx context.Context, roomID string) (store.Draft, error) {
	return loadDraft(s.db.WithContext(ctx), roomID)
}

func loadDraft(db *gorm.DB, roomID string) (store.Draft, error) {
	var row draftRow
	if err := db.Where("room_id = ?", roomID).First(&row).Error; err != nil {
		return store.Draft{}, translate(err, "draft for room "+roomID)
	}
	return row.toDraft()
}

func (s *Store) SwapDraft(ctx context.Context, expected store.Draft, next engine.State) (store.Draft, error) {
	row, err := toDraftRow(expected.RoomID, expected.Revision+1, next, s.now())
	if err != nil {
		return store.Draft{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&draftRow{}).
			Where("room_id = ? AND revision = ? AND turn_index = ?", expected.RoomID, expected.Revision, expected.State.TurnIndex).
			Updates(row.columns())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&draftRow{}).Where("room_id = ?", expected.RoomID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return errors.Wrapf(store.ErrNotFound, "draft for room %s", expected.RoomID)
			}
			return errors.Wrapf(store.ErrStaleWrite, "revision %d", expected.Revision)
		}
		return notify(tx, store.DraftUpdated, expected.RoomID, "")
	})
	if err != nil {
		return store.Draft{}, translate(err, "swap draft")
	}
	return row.toDraft()
}

func (s *Store) AddParticipant(ctx context.Context, p store.Participant) (store.Participant, error) {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	row := toParticipantRow(p)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rooms int64
		if err := tx.Model(&roomRow{}).Where("id = ?", p.RoomID).Count(&rooms).Error; err != nil {
			return err
		}
		if rooms == 0 {
			return errors.Wrapf(store.ErrNotFound, "room %s", p.RoomID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return notify(tx, store.ParticipantJoined, p.RoomID, p.ID)
	})
	if err != nil {
		return store.Participant{}, translate(err, "add participant")
	}
	return p, nil
}

func (s *Store) Participant(ctx context.Context, roomID, id string) (store.Participant, error) {
	var row participantRow
	if err := s.db.WithContext(ctx).Where("room_id = ? AND id = ?", roomID, id).First(&row).Error; err != nil {
		return store.Participant{}, translate(err, "participant "+id)
	}
	return row.toParticipant(), nil
}

func (s *Store) Participants(ctx context.Context, roomID string) ([]store.Participant, error) {
	var rows []participantRow
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at").Find(&rows).Error; err != nil {
		return nil, translate(err, "list participants")
	}
	out := make([]store.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toParticipant())
	}
	return out, nil
}

func (s *Store) ClearParticipants(ctx context.Context, roomID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&participantRow{}).Error; err != nil {
			return err
		}
		return notify(tx, store.ParticipantsCleared, roomID, "")
	})
	return translate(err, "clear participants")
}

func (s *Store) AddMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	row := toMessageRow(m)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return notify(tx, store.MessagePosted, m.RoomID, m.ID)
	})
	if err != nil {
		return store.Message{}, translate(err, "add message")
	}
	return m, nil
}

func (s *Store) Messages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "list messages")
	}

	out := make([]store.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toMessage()
	}
	return out, nil
}

func (s *Store) message(ctx context.Context, roomID, id string) (store.Message, error) {
	var row messageRow
	if err := s.db.WithContext(ctx).Where("room_id = ? AND id = ?", roomID, id).First(&row).Error; err != nil {
		return store.Message{}, translate(err, "message "+id)
	}
	return row.toMessage(), nil
}

func (s *Store) Subscribe(ctx context.Context, roomID string) (*store.Subscription, error) {
	sub, err := s.broker.Subscribe(ctx, roomID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return sub, nil
}

func (s *Store) Close() error {
	s.broker.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// payload is what travels over NOTIFY. Rows are re-read on receipt because
// NOTIFY payloads are capped at 8000 bytes.
type payload struct {
	Kind   store.NotificationKind `json:"kind"`
	RoomID string                 `json:"roomId"`
	ID     string                 `json:"id,omitempty"`
}

// notify queues a notification that postgres delivers only if tx commits.
func notify(tx *gorm.DB, kind store.NotificationKind, roomID, id string) error {
	b, err := sonic.Marshal(payload{Kind: kind, RoomID: roomID, ID: id})
	if err != nil {
		return err
	}
	return tx.Exec("SELECT pg_notify(?, ?)", NotifyChannel, string(b)).Error
}

// translate maps driver errors onto the store's error kinds.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	if apperr.Kind(err) != nil {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(store.ErrNotFound, op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case roomsCodeIndex:
			return errors.Wrap(store.ErrCodeTaken, op)
		case participantsNickIndex:
			return errors.Wrap(store.ErrNicknameTaken, op)
		case participantsCaptainIdx:
			return errors.Wrap(store.ErrCaptainTaken, op)
		}
		return apperr.Conflict(errors.Wrap(err, op))
	}
	return apperr.Transient(errors.Wrap(err, op))
}
