// Package keycodec builds the deterministic, byte-ordered keys every
// sub-store uses. `~` is the reserved separator: it sorts after every
// URL-safe alphanumeric character, so a prefix `p` bounds the range
// [p~, p~~) for iteration, and a component ordered by ISO time sorts
// chronologically as a plain byte-string comparison.
package keycodec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sep is the reserved component separator. No component may contain it.
const Sep = "~"

// ErrComponent is returned (wrapped) when a key component contains the
// reserved separator.
type ErrComponent struct {
	Component string
}

func (e *ErrComponent) Error() string {
	return fmt.Sprintf("keycodec: component %q contains reserved separator %q", e.Component, Sep)
}

// checkComponents rejects any component containing the separator.
func checkComponents(parts ...string) error {
	for _, p := range parts {
		if strings.Contains(p, Sep) {
			return &ErrComponent{Component: p}
		}
	}
	return nil
}

// File returns the canonical key for a workspace/file entity: the key
// itself, stored verbatim.
func File(key string) string {
	return key
}

// LegacyProject returns the legacy nested-project key shape:
// ~<spaceKey>~<projectKey>~
func LegacyProject(spaceKey, projectKey string) (string, error) {
	if err := checkComponents(spaceKey, projectKey); err != nil {
		return "", err
	}
	return Sep + spaceKey + Sep + projectKey + Sep, nil
}

// AppProject returns the key for one app-scoped project:
// ~app~<appId>~user~<userKey>~project~<projectKey>
func AppProject(appID, userKey, projectKey string) (string, error) {
	if err := checkComponents(appID, userKey, projectKey); err != nil {
		return "", err
	}
	return AppUserProjectPrefix(appID, userKey) + projectKey, nil
}

// AppUserProjectPrefix returns the prefix bounding every project key for
// one (appId, userKey) scope: ~app~<appId>~user~<userKey>~project~
func AppUserProjectPrefix(appID, userKey string) string {
	return Sep + "app" + Sep + appID + Sep + "user" + Sep + userKey + Sep + "project" + Sep
}

// AppRequest returns the key for one app-scoped request, mirroring
// AppProject under a "request" tag instead of "project".
func AppRequest(appID, userKey, requestKey string) (string, error) {
	if err := checkComponents(appID, userKey, requestKey); err != nil {
		return "", err
	}
	return AppUserRequestPrefix(appID, userKey) + requestKey, nil
}

// AppUserRequestPrefix returns the prefix bounding every request key for
// one (appId, userKey) scope.
func AppUserRequestPrefix(appID, userKey string) string {
	return Sep + "app" + Sep + appID + Sep + "user" + Sep + userKey + Sep + "request" + Sep
}

// ISOTime formats t the way time-prefixed keys expect: an order-preserving
// representation so byte comparison equals chronological comparison.
func ISOTime(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000Z")
}

// HistoryData returns the data-store key: ~history~<isoTime>~<userKey>~
func HistoryData(t time.Time, userKey string) (string, error) {
	if err := checkComponents(userKey); err != nil {
		return "", err
	}
	return Sep + "history" + Sep + ISOTime(t) + Sep + userKey + Sep, nil
}

// HistorySpace returns the space-index key:
// ~history~space~<isoTime>~<spaceKey>~<userKey>~
func HistorySpace(t time.Time, spaceKey, userKey string) (string, error) {
	if err := checkComponents(spaceKey, userKey); err != nil {
		return "", err
	}
	return Sep + "history" + Sep + "space" + Sep + ISOTime(t) + Sep + spaceKey + Sep + userKey + Sep, nil
}

// HistoryUser returns the user-index key: ~history~user~<isoTime>~<userKey>~
func HistoryUser(t time.Time, userKey string) (string, error) {
	if err := checkComponents(userKey); err != nil {
		return "", err
	}
	return Sep + "history" + Sep + "user" + Sep + ISOTime(t) + Sep + userKey + Sep, nil
}

// HistoryProject returns the project-index key:
// ~history~project~<isoTime>~<projectKey>~<userKey>~
func HistoryProject(t time.Time, projectKey, userKey string) (string, error) {
	if err := checkComponents(projectKey, userKey); err != nil {
		return "", err
	}
	return Sep + "history" + Sep + "project" + Sep + ISOTime(t) + Sep + projectKey + Sep + userKey + Sep, nil
}

// HistoryRequest returns the request-index key:
// ~history~request~<isoTime>~<requestKey>~<userKey>~
func HistoryRequest(t time.Time, requestKey, userKey string) (string, error) {
	if err := checkComponents(requestKey, userKey); err != nil {
		return "", err
	}
	return Sep + "history" + Sep + "request" + Sep + ISOTime(t) + Sep + requestKey + Sep + userKey + Sep, nil
}

// HistoryApp returns the app-index key: ~history~app~<isoTime>~<appKey>~<userKey>~
func HistoryApp(t time.Time, appKey, userKey string) (string, error) {
	if err := checkComponents(appKey, userKey); err != nil {
		return "", err
	}
	return Sep + "history" + Sep + "app" + Sep + ISOTime(t) + Sep + appKey + Sep + userKey + Sep, nil
}

// HistoryIndexPrefix bounds every index entry of one kind
// across the user/space/project/request/app index sub-stores: ~history~<kind>~
func HistoryIndexPrefix(kind string) string {
	return Sep + "history" + Sep + kind + Sep
}

// Revision returns the key for one revision record:
// ~<kind>~<parentKey>~<creationMillis>~
//
// Millis is zero-padded to 19 digits (enough for any int64 epoch-ms
// value) so that lexicographic and numeric ordering agree.
func Revision(kind, parentKey string, creationMillis int64) (string, error) {
	if err := checkComponents(kind, parentKey); err != nil {
		return "", err
	}
	return Sep + kind + Sep + parentKey + Sep + zeroPadInt(creationMillis) + Sep, nil
}

// RevisionPrefix bounds every revision key for (kind, parentKey).
func RevisionPrefix(kind, parentKey string) string {
	return Sep + kind + Sep + parentKey + Sep
}

func zeroPadInt(v int64) string {
	return fmt.Sprintf("%019d", v)
}

// ParseRevisionMillis extracts the creation-millis component from a
// revision key built by Revision.
func ParseRevisionMillis(key string) (int64, error) {
	parts := strings.Split(strings.Trim(key, Sep), Sep)
	if len(parts) < 3 {
		return 0, fmt.Errorf("keycodec: malformed revision key %q", key)
	}
	return strconv.ParseInt(parts[len(parts)-1], 10, 64)
}

// SharedLink returns the key for one shared-link entry: ~shared~<userKey>~<fileKey>
func SharedLink(userKey, fileKey string) (string, error) {
	if err := checkComponents(userKey, fileKey); err != nil {
		return "", err
	}
	return Sep + "shared" + Sep + userKey + Sep + fileKey, nil
}

// SharedUserPrefix bounds every shared-link entry for one user.
func SharedUserPrefix(userKey string) string {
	return Sep + "shared" + Sep + userKey + Sep
}

// Bin returns the key for one bin entry: ~deleted~<kind>~<originalKey>
func Bin(kind, originalKey string) (string, error) {
	if err := checkComponents(kind, originalKey); err != nil {
		return "", err
	}
	return Sep + "deleted" + Sep + kind + Sep + originalKey, nil
}
