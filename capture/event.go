// Package capture receives system notification events from the device and
// exposes them through a platform independent Source.
package capture

import "strings"

// Kind tells whether the OS reported a notification as posted or removed,
// or whether it came from an active-notifications snapshot.
type Kind string

const (
	KindPosted  Kind = "posted"
	KindRemoved Kind = "removed"
	KindActive  Kind = "active"
)

// Event is one observed notification. It is transient: the pipeline consumes
// it right away and never stores it as is.
type Event struct {
	Kind        Kind   `json:"eventType"`
	ID          string `json:"id"`
	Key         string `json:"key"`
	PackageName string `json:"packageName"`
	// PostTime is epoch milliseconds.
	PostTime  int64  `json:"postTime"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	SubText   string `json:"subText"`
	BigText   string `json:"bigText"`
	Category  string `json:"category"`
	Ongoing   bool   `json:"isOngoing"`
	Clearable bool   `json:"isClearable"`
}

// Sender is the notification title, which messaging apps fill with the
// sender name or number.
func (e Event) Sender() string {
	return strings.TrimSpace(e.Title)
}

// Body returns the full message text. Messaging apps truncate Text for long
// messages and put the complete text into BigText.
func (e Event) Body() string {
	if strings.TrimSpace(e.BigText) != "" {
		return e.BigText
	}
	return e.Text
}

// KeyPart returns the i-th part of the grouping key split by sep.
func (e Event) KeyPart(sep string, i int) (string, bool) {
	if sep == "" || i < 0 {
		return "", false
	}
	parts := strings.Split(e.Key, sep)
	if i >= len(parts) {
		return "", false
	}
	return parts[i], true
}
