package wrshare

import (
	"github.com/sammck-go/logger"
)

// Assembler turns response frames arriving on a client's control channel
// back into resolved RequestTasks and streamed response bodies. Frames are
// applied on the connection's read goroutine, in arrival order, so body
// writes never reorder; frames for unknown RequestIDs (late arrivals after a
// timeout or abort) and frames of unknown type are dropped.
type Assembler struct {
	logger.Logger
	reqs *RequestRegistry
}

// NewAssembler creates an Assembler over the shared per-request state
func NewAssembler(log logger.Logger, reqs *RequestRegistry) *Assembler {
	return &Assembler{
		Logger: log.ForkLogStr("assembler"),
		reqs:   reqs,
	}
}

// Apply mutates server state for one frame received from the given client
func (a *Assembler) Apply(rec *ClientRecord, f *Frame) {
	switch f.Type {
	case FrameTypeHeader:
		a.applyHeader(rec, f)
	case FrameTypeBody:
		a.applyBody(rec, f)
	default:
		a.DLogf("Dropping frame of unknown type \"%s\" for request %s", f.Type, f.RequestID)
	}
}

func (a *Assembler) applyHeader(rec *ClientRecord, f *Frame) {
	task := a.reqs.GetTask(f.RequestID)
	if task == nil {
		a.DLogf("Dropping response header for unknown request %s", f.RequestID)
		return
	}
	resp := &TunnelResponse{
		Status:     f.Status,
		StatusText: f.StatusText,
		Header:     PairsToHeader(f.Headers),
	}
	if f.EOF {
		rec.RemovePending(f.RequestID)
		task.Resolve(TaskResult{Response: resp})
		return
	}
	w := NewBodyWriter()
	a.reqs.PutWriter(f.RequestID, w)
	rec.BeginResponse(f.RequestID)
	resp.Body = w.Reader()
	task.Resolve(TaskResult{Response: resp})
}

func (a *Assembler) applyBody(rec *ClientRecord, f *Frame) {
	if f.EOF {
		rec.EndResponse(f.RequestID)
		if w := a.reqs.RemoveWriter(f.RequestID); w != nil {
			w.Append(f.Data)
			w.Close()
		} else {
			a.DLogf("Dropping terminal response body for unknown request %s", f.RequestID)
		}
		return
	}
	w := a.reqs.GetWriter(f.RequestID)
	if w == nil {
		a.DLogf("Dropping response body for unknown request %s", f.RequestID)
		return
	}
	w.Append(f.Data)
}
