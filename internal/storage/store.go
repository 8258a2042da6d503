package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"musicstart/internal/playback"
	"musicstart/internal/track"
)

// TrackRecord is the persisted shape of one queue entry. The field names
// are part of the json import/export format, so they stay camelCase.
type TrackRecord struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Likes       int    `json:"likes"`
	ViewCount   int    `json:"viewCount"`
	PlayCounter int    `json:"playCounter"`
}

// SessionRecord is one restored guild snapshot. The cursor is not
// persisted; a restored queue starts at its head.
type SessionRecord struct {
	GuildID  string
	Language string
	Volume   float64
	Tracks   []*track.Track
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// SaveSession upserts the full snapshot for the session's guild.
func (st *Store) SaveSession(ctx context.Context, s *playback.Session) error {
	blob, err := MarshalQueue(s.Queue.Tracks())
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO sessions(guild_id, language, volume, queue) VALUES (?,?,?,?)
		ON CONFLICT(guild_id) DO UPDATE SET
		  language=excluded.language,
		  volume=excluded.volume,
		  queue=excluded.queue`,
		s.ID, s.Language(), s.Volume(), string(blob),
	)
	return err
}

// LoadAllSessions reads every guild snapshot, for session restore at
// startup. Rows with an unreadable queue document are skipped, not fatal.
func (st *Store) LoadAllSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT guild_id, language, volume, queue FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var blob string
		if err := rows.Scan(&rec.GuildID, &rec.Language, &rec.Volume, &blob); err != nil {
			return nil, err
		}
		tracks, err := UnmarshalQueue([]byte(blob))
		if err != nil {
			continue
		}
		rec.Tracks = tracks
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession drops a guild's snapshot.
func (st *Store) DeleteSession(ctx context.Context, guildID string) error {
	_, err := st.db.ExecContext(ctx, `DELETE FROM sessions WHERE guild_id = ?`, guildID)
	return err
}

// MarshalQueue encodes tracks as the import/export JSON document.
func MarshalQueue(tracks []*track.Track) ([]byte, error) {
	recs := make([]TrackRecord, 0, len(tracks))
	for _, t := range tracks {
		recs = append(recs, TrackRecord{
			URL:         t.URL,
			Title:       t.Title,
			Likes:       t.Likes,
			ViewCount:   t.ViewCount,
			PlayCounter: t.PlayCount(),
		})
	}
	return json.Marshal(recs)
}

// UnmarshalQueue decodes an import/export JSON document back to tracks.
func UnmarshalQueue(blob []byte) ([]*track.Track, error) {
	var recs []TrackRecord
	if err := json.Unmarshal(blob, &recs); err != nil {
		return nil, err
	}
	out := make([]*track.Track, 0, len(recs))
	for _, r := range recs {
		t := track.New(r.URL, r.Title, r.Likes, r.ViewCount)
		t.SetPlayCount(r.PlayCounter)
		out = append(out, t)
	}
	return out, nil
}
