package schedule

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/orca/internal/protocol"
	"github.com/jw6ventures/orca/internal/store"
	"github.com/jw6ventures/orca/internal/week"
)

// Viewer is the requesting session as seen by the dispatcher.
type Viewer interface {
	ClientID() string
	TargetWeek() time.Time
	SetTargetWeek(time.Time)
}

// Dispatcher decodes inbound messages, runs them against the Engine and
// builds the response. It never returns an error; every failure becomes a
// response status.
type Dispatcher struct {
	engine *Engine
	log    *logrus.Entry
}

func NewDispatcher(engine *Engine, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{engine: engine, log: log.WithField("component", "dispatcher")}
}

// Handle processes one raw message from viewer on scheduleID.
func (d *Dispatcher) Handle(ctx context.Context, scheduleID string, viewer Viewer, raw []byte) (protocol.Request, protocol.Response) {
	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		d.log.WithError(err).WithField("client_id", viewer.ClientID()).Debug("rejecting malformed message")
		return req, protocol.Reply(req, protocol.StatusInvalid, viewer.TargetWeek())
	}
	return req, d.Dispatch(ctx, scheduleID, viewer, req)
}

// Dispatch runs an already decoded request.
func (d *Dispatcher) Dispatch(ctx context.Context, scheduleID string, viewer Viewer, req protocol.Request) protocol.Response {
	requested := week.Start(req.TargetWeek)

	if req.ClientID != viewer.ClientID() {
		return protocol.Reply(req, protocol.StatusUnauthorized, requested)
	}
	if !req.Action.Valid() {
		return protocol.Reply(req, protocol.StatusInvalid, requested)
	}

	switch req.Action {
	case protocol.ActionGetWeek:
		viewer.SetTargetWeek(requested)
		rows, err := d.engine.ListWeek(ctx, scheduleID, requested)
		if err != nil {
			return d.fail(req, requested, err)
		}
		return protocol.Reply(req, protocol.StatusSuccess, requested).WithRows(rows...)

	case protocol.ActionGet:
		row, desc, err := d.engine.Get(ctx, scheduleID, req.ActivityID)
		if err != nil {
			return d.fail(req, requested, err)
		}
		resp := protocol.Reply(req, protocol.StatusSuccess, week.Start(row.Start)).WithRows(*row)
		resp.ActivityID = row.ID
		resp.Description = &desc
		return resp

	case protocol.ActionCreate, protocol.ActionUpdate:
		if req.Activity == nil {
			return protocol.Reply(req, protocol.StatusInvalid, requested)
		}
		a, err := req.Activity.ToStore()
		if err != nil {
			return protocol.Reply(req, protocol.StatusInvalid, requested)
		}
		var row *store.Activity
		if req.Action == protocol.ActionCreate {
			row, err = d.engine.Create(ctx, scheduleID, a, req.Description)
		} else {
			row, err = d.engine.Update(ctx, scheduleID, a, req.Description)
		}
		if err != nil {
			return d.fail(req, requested, err)
		}
		viewer.SetTargetWeek(requested)
		return protocol.Reply(req, protocol.StatusSuccess, week.Start(row.Start)).WithRows(*row)

	case protocol.ActionDelete:
		row, err := d.engine.Delete(ctx, scheduleID, req.ActivityID)
		if err != nil {
			return d.fail(req, requested, err)
		}
		resp := protocol.Reply(req, protocol.StatusSuccess, week.Start(row.Start))
		resp.ActivityID = row.ID
		return resp
	}
	return protocol.Reply(req, protocol.StatusInvalid, requested)
}

func (d *Dispatcher) fail(req protocol.Request, targetWeek time.Time, err error) protocol.Response {
	kind := KindOf(err)
	if kind == KindStore {
		d.log.WithError(err).WithFields(logrus.Fields{
			"client_id": req.ClientID,
			"action":    req.Action,
		}).Error("store failure")
	}
	resp := protocol.Reply(req, kind.Status(), targetWeek)
	if row := RowOf(err); row != nil {
		resp = resp.WithRows(*row)
	}
	return resp
}
