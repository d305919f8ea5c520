// Package envelope renders inbound message bodies with a bracketed header
// naming the channel, the sender and when the message arrived.
package envelope

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"msgline/internal/domain"
)

const timestampLayout = "Mon 2006-01-02 15:04 MST"

// Formatter implements domain.EnvelopeFormatter. The zero value is not
// usable; call NewFormatter.
type Formatter struct {
	zones sync.Map // timezone name → *time.Location
}

// NewFormatter creates a Formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format renders req as "[Channel from +elapsed timestamp] body".
// Header parts that are empty or disabled by req.Options are left out.
// Group messages prefix the body with the sender label.
func (f *Formatter) Format(req domain.EnvelopeRequest) (string, error) {
	opts := domain.EnvelopeOptions{}
	if req.Options != nil {
		opts = *req.Options
	}

	parts := make([]string, 0, 4)
	if ch := strings.TrimSpace(req.Channel); ch != "" {
		parts = append(parts, ch)
	}
	if from := strings.TrimSpace(req.From); from != "" {
		parts = append(parts, from)
	}
	if !opts.OmitElapsed {
		if e, ok := elapsed(req.PreviousTimestamp, req.Timestamp); ok {
			parts = append(parts, "+"+e)
		}
	}
	if !opts.OmitTimestamp && !req.Timestamp.IsZero() {
		loc, err := f.location(opts.Timezone)
		if err != nil {
			return "", err
		}
		parts = append(parts, req.Timestamp.In(loc).Format(timestampLayout))
	}

	body := req.Body
	if req.ChatType == domain.ChatTypeGroup {
		if label := SenderLabel(req.Sender); label != "" {
			body = label + ": " + body
		}
	}

	if len(parts) == 0 {
		return body, nil
	}
	return "[" + strings.Join(parts, " ") + "] " + body, nil
}

// SenderLabel returns "Name (+E164)", or whichever of name, number and id
// is available first.
func SenderLabel(s domain.EnvelopeSender) string {
	name := strings.TrimSpace(s.Name)
	e164 := strings.TrimSpace(s.E164)
	switch {
	case name != "" && e164 != "" && name != e164:
		return name + " (" + e164 + ")"
	case name != "":
		return name
	case e164 != "":
		return e164
	default:
		return strings.TrimSpace(s.ID)
	}
}

func (f *Formatter) location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	switch strings.ToLower(tz) {
	case "", "local":
		return time.Local, nil
	case "utc":
		return time.UTC, nil
	}
	if loc, ok := f.zones.Load(tz); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.NewDomainError("envelope.Format", domain.ErrUnknownTimezone, tz)
	}
	f.zones.Store(tz, loc)
	return loc, nil
}

// elapsed renders the gap between two timestamps in the largest whole unit.
func elapsed(prev, cur time.Time) (string, bool) {
	if prev.IsZero() || cur.IsZero() || cur.Before(prev) {
		return "", false
	}
	d := cur.Sub(prev)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second)), true
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute)), true
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour)), true
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour))), true
	}
}
