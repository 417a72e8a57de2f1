// Package scan turns a decoded QR string into a checkpoint reference.
package scan

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
)

// Shape records which payload form was recognized.
type Shape string

const (
	ShapeBareID Shape = "bare_id"
	ShapeJSON   Shape = "json"
	ShapeURL    Shape = "url"
)

// Payload is a successfully parsed scan. SiteID is empty when the code
// does not name a site.
type Payload struct {
	CheckpointID string `json:"checkpoint_id"`
	SiteID       string `json:"site_id,omitempty"`
	Shape        Shape  `json:"shape"`
}

var bareID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,127}$`)

// query parameters naming the checkpoint, in priority order
var checkpointParams = []string{"checkpointId", "checkpoint_id", "checkpoint", "id"}

var siteParams = []string{"siteId", "site_id", "site"}

type envelope struct {
	CheckpointID      string `json:"checkpointId"`
	CheckpointIDSnake string `json:"checkpoint_id"`
	SiteID            string `json:"siteId"`
	SiteIDSnake       string `json:"site_id"`
}

// Parse recognizes a bare checkpoint id, a JSON envelope
// {"checkpointId": ..., "siteId": ...} (snake_case keys accepted) or a URL
// carrying the id in a query parameter or as the last path segment.
// Anything else is SCAN_UNREADABLE; the raw string is never used as-is.
func Parse(raw string) (Payload, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Payload{}, unreadable("empty scan")
	case strings.HasPrefix(s, "{"):
		return parseJSON(s)
	case strings.Contains(s, "://"):
		return parseURL(s)
	case bareID.MatchString(s):
		return Payload{CheckpointID: s, Shape: ShapeBareID}, nil
	}
	return Payload{}, unreadable("unrecognized scan payload")
}

func unreadable(msg string) error {
	return apperrors.New(apperrors.ErrScanUnreadable, msg)
}

func parseJSON(s string) (Payload, error) {
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Payload{}, apperrors.Wrap(apperrors.ErrScanUnreadable, "malformed JSON scan", err)
	}
	id := firstNonEmpty(env.CheckpointID, env.CheckpointIDSnake)
	if !bareID.MatchString(id) {
		return Payload{}, unreadable("JSON scan has no checkpoint id")
	}
	return Payload{
		CheckpointID: id,
		SiteID:       firstNonEmpty(env.SiteID, env.SiteIDSnake),
		Shape:        ShapeJSON,
	}, nil
}

func parseURL(s string) (Payload, error) {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return Payload{}, unreadable("malformed URL scan")
	}
	q := u.Query()

	p := Payload{Shape: ShapeURL}
	for _, key := range checkpointParams {
		if v := q.Get(key); v != "" {
			p.CheckpointID = v
			break
		}
	}
	for _, key := range siteParams {
		if v := q.Get(key); v != "" {
			p.SiteID = v
			break
		}
	}

	segments := pathSegments(u.Path)
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "sites" && p.SiteID == "" {
			p.SiteID = segments[i+1]
		}
	}
	if p.CheckpointID == "" && len(segments) > 0 {
		last := segments[len(segments)-1]
		if len(segments) < 2 || segments[len(segments)-2] != "sites" {
			p.CheckpointID = last
		}
	}

	if !bareID.MatchString(p.CheckpointID) {
		return Payload{}, unreadable("URL scan has no checkpoint id")
	}
	return p, nil
}

func pathSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		out = append(out, seg)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
