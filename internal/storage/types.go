package storage

import "time"

// Announcement is one killmail that was packed and handed to the
// dispatcher.
type Announcement struct {
	ID          string
	KillID      int64
	UID         string
	KillDate    time.Time
	Victim      string
	Corporation string
	Robot       string
	Zone        string
	Attackers   int
	Fields      int
	Omitted     int
	Payload     string // container JSON
	CycleID     string
	AnnouncedAt time.Time
}

// Delivery is the outcome of sending one announcement to one channel.
type Delivery struct {
	ID             string
	AnnouncementID string
	Channel        string
	Sent           int
	Error          string
	Duration       time.Duration
	DeliveredAt    time.Time
}

// Failed reports whether the channel rejected the announcement.
func (d Delivery) Failed() bool {
	return d.Error != ""
}

// SearchQuery defines filters for listing announcements.
type SearchQuery struct {
	Query  string // matches victim, corporation, robot or zone
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Stats holds aggregate statistics about the history database.
type Stats struct {
	TotalAnnouncements int64
	TotalDeliveries    int64
	FailedDeliveries   int64
	Overflowed         int64
	OldestAnnouncement time.Time
	NewestAnnouncement time.Time
	TopZones           []ZoneCount
}

// ZoneCount pairs a zone with its announcement count.
type ZoneCount struct {
	Zone  string
	Count int64
}
