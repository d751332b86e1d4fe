package daemon

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/isc-ryoung/remedyd/internal/intake"
	"github.com/isc-ryoung/remedyd/internal/ledger"
	"github.com/isc-ryoung/remedyd/internal/scheduler"
	"github.com/isc-ryoung/remedyd/internal/uds"
)

type idParams struct {
	ID string `json:"id"`
}

func (d *Daemon) registerOps() {
	d.server.Handle("ping", func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("submit", d.opSubmit)
	d.server.Handle("status", d.opStatus)
	d.server.Handle("queue", d.opQueue)
	d.server.Handle("cancel", d.opCancel)
	d.server.Handle("approve", d.opApprove)
	d.server.Handle("usage", d.opUsage)

	d.server.Handle("shutdown", func(*uds.Request) *uds.Response {
		d.component("daemon").Infof("shutdown requested via socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) opSubmit(req *uds.Request) *uds.Response {
	if len(req.Params) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "submit requires a command payload")
	}

	cmd, err := d.submitJSON(req.Params)
	if err != nil {
		var ve *intake.ValidationError
		if errors.As(err, &ve) {
			return uds.ErrorResponse(uds.ErrCodeValidation, ve.Error())
		}
		var ce *scheduler.CapacityError
		if errors.As(err, &ce) {
			return uds.ErrorResponse(uds.ErrCodeCapacity, ce.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	return uds.SuccessResponse(map[string]any{
		"id":              cmd.ID,
		"action_kind":     string(cmd.Kind),
		"target_resource": cmd.TargetResource,
		"priority":        string(cmd.Priority),
	})
}

func (d *Daemon) opStatus(req *uds.Request) *uds.Response {
	var params idParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "status requires an id")
	}

	rec, err := d.led.Get(params.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("no command %s", params.ID))
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(rec)
}

func (d *Daemon) opQueue(*uds.Request) *uds.Response {
	return uds.SuccessResponse(d.sched.Snapshot())
}

func (d *Daemon) opCancel(req *uds.Request) *uds.Response {
	var params idParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "cancel requires an id")
	}

	if err := d.eng.Cancel(params.ID); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownCommand):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		case errors.Is(err, scheduler.ErrNotCancellable):
			return uds.ErrorResponse(uds.ErrCodeNotCancellable, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}
	return uds.SuccessResponse(map[string]string{"id": params.ID, "status": "cancelled"})
}

func (d *Daemon) opApprove(req *uds.Request) *uds.Response {
	var params idParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "approve requires an id")
	}

	if err := d.eng.Approve(params.ID); err != nil {
		if errors.Is(err, scheduler.ErrUnknownCommand) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeNotAwaiting, err.Error())
	}
	return uds.SuccessResponse(map[string]string{"id": params.ID, "status": "approved"})
}

func (d *Daemon) opUsage(*uds.Request) *uds.Response {
	return uds.SuccessResponse(d.usage.Snapshot())
}
