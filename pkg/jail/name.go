package jail

import (
	"regexp"
	"time"
)

// timestampFormat orders lexically the same as chronologically
const timestampFormat = "20060102-150405"

var namePattern = regexp.MustCompile(`^(.+)-(\d{8}-\d{6})$`)

// NewName returns the jail name for a service created at now
func NewName(service string, now time.Time) string {
	return service + "-" + now.Format(timestampFormat)
}

// ParseName splits a jail name into its service and creation time
func ParseName(name string) (service string, created time.Time, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	t, err := time.ParseInLocation(timestampFormat, m[2], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], t, true
}

// BelongsTo reports whether name is a jail of service
func BelongsTo(name, service string) bool {
	svc, _, ok := ParseName(name)
	return ok && svc == service
}
