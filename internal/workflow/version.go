package workflow

import "time"

// VersionLayout renders a record's last-modified time at second resolution.
const VersionLayout = "2006-01-02 15:04:05"

// Version is the optimistic concurrency token handed to clients. Two tokens
// match only when their strings are identical; ordering is never inferred.
type Version string

func VersionOf(t time.Time) Version {
	if t.IsZero() {
		return ""
	}
	return Version(t.UTC().Truncate(time.Second).Format(VersionLayout))
}

// Matches reports whether the client token is exactly the stored token.
func (v Version) Matches(client Version) bool {
	return v != "" && string(v) == string(client)
}

func (v Version) Time() (time.Time, error) {
	return time.ParseInLocation(VersionLayout, string(v), time.UTC)
}

// NextVersion returns the token a write at now produces when the previous
// write happened at prev. It never repeats a token for the same record.
func NextVersion(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Second)
	prev = prev.UTC().Truncate(time.Second)
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(time.Second)
	}
	return now
}
