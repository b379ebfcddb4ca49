package store

import (
	"fmt"
	"time"
)

// Location mirrors spec.md §3's Location entity (Delta Chat KML POI/track).
type Location struct {
	ID          int64
	Latitude    float64
	Longitude   float64
	Accuracy    float64
	Timestamp   time.Time
	ChatID      int64
	FromID      int64
	Independent bool
}

// SaveLocation inserts a location point and returns its id.
func (s *Store) SaveLocation(l *Location) (id int64, err error) {
	res, err := s.Exec(`
		INSERT INTO locations (latitude, longitude, accuracy, timestamp, chat_id, from_id, independent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.Latitude, l.Longitude, l.Accuracy, l.Timestamp.Unix(), l.ChatID, l.FromID, l.Independent,
	)
	if err != nil {
		return 0, fmt.Errorf("store: save location: %w", err)
	}
	return res.LastInsertId()
}

// ChatLocations returns every location point shared in a chat.
func (s *Store) ChatLocations(chatID int64) ([]*Location, error) {
	rows, err := s.Query(`
		SELECT id, latitude, longitude, accuracy, timestamp, from_id, independent
		FROM locations WHERE chat_id = ? ORDER BY timestamp ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: chat locations: %w", err)
	}
	defer rows.Close()

	var out []*Location
	for rows.Next() {
		l := &Location{ChatID: chatID}
		var ts int64
		var independent int
		if err := rows.Scan(&l.ID, &l.Latitude, &l.Longitude, &l.Accuracy, &ts, &l.FromID, &independent); err != nil {
			return nil, err
		}
		l.Timestamp = time.Unix(ts, 0)
		l.Independent = independent != 0
		out = append(out, l)
	}
	return out, rows.Err()
}
