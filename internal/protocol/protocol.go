// Package protocol defines the JSON messages exchanged over a schedule
// session.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jw6ventures/orca/internal/store"
)

// Status is the outcome code carried by every Response.
type Status int

const (
	StatusSuccess      Status = 200
	StatusExpired      Status = 400
	StatusUnauthorized Status = 401
	StatusNotFound     Status = 404
	StatusInvalid      Status = 409
	StatusServerError  Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusExpired:
		return "EXPIRED"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusInvalid:
		return "INVALID"
	case StatusServerError:
		return "SERVER_ERROR"
	default:
		return strconv.Itoa(int(s))
	}
}

// Action names the operation a Request asks for.
type Action string

const (
	ActionGetWeek Action = "GETWEEK"
	ActionGet     Action = "GET"
	ActionCreate  Action = "POST"
	ActionUpdate  Action = "PATCH"
	ActionDelete  Action = "DELETE"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionGetWeek, ActionGet, ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Mutating reports whether a changes stored activities.
func (a Action) Mutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed message")

// Activity is the wire form of store.Activity.
type Activity struct {
	ID            string    `json:"id"`
	ScheduleID    string    `json:"schedule_id"`
	Title         string    `json:"title"`
	Type          string    `json:"type"`
	Cost          *string   `json:"cost"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Location      string    `json:"location"`
	LocalTimezone int       `json:"local_timezone"`
	DestLocation  *string   `json:"dest_location"`
	Version       int       `json:"version"`
}

type wireActivity struct {
	ID            string          `json:"id"`
	ScheduleID    string          `json:"schedule_id"`
	Title         string          `json:"title"`
	Type          string          `json:"type"`
	Cost          *string         `json:"cost"`
	Start         string          `json:"start"`
	End           string          `json:"end"`
	Location      string          `json:"location"`
	LocalTimezone json.RawMessage `json:"local_timezone"`
	DestLocation  *string         `json:"dest_location"`
	Version       int             `json:"version"`
}

// UnmarshalJSON accepts local_timezone as a number or numeric string and
// timestamps with or without an offset. A missing id is generated.
func (a *Activity) UnmarshalJSON(data []byte) error {
	var w wireActivity
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	start, err := ParseTime(w.Start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := ParseTime(w.End)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	tz, err := coerceInt(w.LocalTimezone)
	if err != nil {
		return fmt.Errorf("local_timezone: %w", err)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	*a = Activity{
		ID:            w.ID,
		ScheduleID:    w.ScheduleID,
		Title:         w.Title,
		Type:          w.Type,
		Cost:          w.Cost,
		Start:         start,
		End:           end,
		Location:      w.Location,
		LocalTimezone: tz,
		DestLocation:  w.DestLocation,
		Version:       w.Version,
	}
	return nil
}

func coerceInt(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(f), nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp. Values without an offset are
// taken as UTC. The result is always in UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FromStore converts a stored row to its wire form.
func FromStore(a store.Activity) Activity {
	out := Activity{
		ID:            a.ID,
		ScheduleID:    a.ScheduleID,
		Title:         a.Title,
		Type:          a.Type,
		Start:         a.Start.UTC(),
		End:           a.End.UTC(),
		Location:      a.Location,
		LocalTimezone: a.LocalTimezone,
		DestLocation:  a.DestLocation,
		Version:       a.Version,
	}
	if a.Cost != nil {
		cost := a.Cost.String()
		out.Cost = &cost
	}
	return out
}

// CanonicalID returns the lowercase hyphenated form of a UUID in any of the
// spellings uuid.Parse accepts. Other strings are returned unchanged.
func CanonicalID(id string) string {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return id
	}
	return parsed.String()
}

// ToStore validates the payload and converts it to a store row.
func (a Activity) ToStore() (store.Activity, error) {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return store.Activity{}, fmt.Errorf("%w: activity id %q", ErrMalformed, a.ID)
	}
	a.ID = id.String()
	if strings.TrimSpace(a.Title) == "" {
		return store.Activity{}, fmt.Errorf("%w: activity title is required", ErrMalformed)
	}
	if a.Version < 0 {
		return store.Activity{}, fmt.Errorf("%w: negative version", ErrMalformed)
	}
	out := store.Activity{
		ID:            a.ID,
		ScheduleID:    a.ScheduleID,
		Title:         a.Title,
		Type:          a.Type,
		Start:         a.Start.UTC(),
		End:           a.End.UTC(),
		Location:      a.Location,
		LocalTimezone: a.LocalTimezone,
		DestLocation:  a.DestLocation,
		Version:       a.Version,
	}
	if out.Type == "" {
		out.Type = store.DefaultActivityType
	}
	if a.Cost != nil && strings.TrimSpace(*a.Cost) != "" {
		cost, err := store.ParseCost(*a.Cost)
		if err != nil {
			return store.Activity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out.Cost = cost
	}
	return out, nil
}

// Request is one inbound message.
type Request struct {
	ID          *string
	ClientID    string
	Action      Action
	TargetWeek  time.Time
	ActivityID  string
	Activity    *Activity
	Description *string
}

type wireRequest struct {
	ID          *string   `json:"id"`
	ClientID    string    `json:"client_id"`
	Action      Action    `json:"action"`
	TargetWeek  string    `json:"target_week"`
	ActivityID  string    `json:"activity_id"`
	Activity    *Activity `json:"activity"`
	Description *string   `json:"description"`
}

// DecodeRequest parses a raw inbound message. client_id, action and
// target_week are required; the action itself is not checked here.
func DecodeRequest(data []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{ID: w.ID, Action: w.Action}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req := Request{
		ID:          w.ID,
		ClientID:    CanonicalID(w.ClientID),
		Action:      w.Action,
		ActivityID:  CanonicalID(w.ActivityID),
		Activity:    w.Activity,
		Description: w.Description,
	}
	if w.ClientID == "" {
		return req, fmt.Errorf("%w: client_id is required", ErrMalformed)
	}
	if w.Action == "" {
		return req, fmt.Errorf("%w: action is required", ErrMalformed)
	}
	targetWeek, err := ParseTime(w.TargetWeek)
	if err != nil {
		return req, fmt.Errorf("%w: target_week: %v", ErrMalformed, err)
	}
	req.TargetWeek = targetWeek
	if req.Activity != nil && req.ActivityID == "" {
		req.ActivityID = CanonicalID(req.Activity.ID)
	}
	return req, nil
}

// Response is one outbound message. ActivityID and Description are only
// set on GET and DELETE answers.
type Response struct {
	Status      Status     `json:"status"`
	Action      Action     `json:"action"`
	TargetWeek  time.Time  `json:"target_week"`
	RequestID   *string    `json:"request_id"`
	Activities  []Activity `json:"activities"`
	ActivityID  string     `json:"activity_id,omitempty"`
	Description *string    `json:"description,omitempty"`
}

// Reply starts a response to req with the given status.
func Reply(req Request, status Status, targetWeek time.Time) Response {
	return Response{
		Status:     status,
		Action:     req.Action,
		TargetWeek: targetWeek.UTC(),
		RequestID:  req.ID,
		Activities: []Activity{},
	}
}

// WithRows appends the wire form of rows.
func (r Response) WithRows(rows ...store.Activity) Response {
	if r.Activities == nil {
		r.Activities = make([]Activity, 0, len(rows))
	}
	for _, row := range rows {
		r.Activities = append(r.Activities, FromStore(row))
	}
	return r
}

// EncodeResponse renders r as JSON. activities is always an array.
func EncodeResponse(r Response) ([]byte, error) {
	if r.Activities == nil {
		r.Activities = []Activity{}
	}
	r.TargetWeek = r.TargetWeek.UTC()
	return json.Marshal(r)
}

// DecodeResponse parses a message produced by EncodeResponse.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r.TargetWeek = r.TargetWeek.UTC()
	return r, nil
}
