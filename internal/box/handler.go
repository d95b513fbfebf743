// Request envelope handler. One envelope in, one response out; recognized
// keys are processed in a fixed order, unknown keys are ignored, and the
// response carries one entry per recognized key.

package box

import (
	"encoding/json"

	"github.com/meeseeks-io/meeseeks/pkg/types"
)

// Handle processes one request envelope. The result is normally a response
// mapping; with options.pretty it is the indented JSON serialization of
// that mapping as a string.
func (b *Box) Handle(req types.Request) any {
	resp := types.Response{}

	if raw, ok := req["sync"]; ok {
		var jobs map[string]*types.Job
		if err := json.Unmarshal(raw, &jobs); err == nil {
			accepted := map[string]bool{}
			for _, id := range b.st.Sync(jobs, nil) {
				accepted[id] = true
			}
			resp["sync"] = accepted
		} else {
			b.log.Warn("bad sync request", "error", err)
		}
	}
	if raw, ok := req["get"]; ok {
		var q types.Query
		if err := json.Unmarshal(raw, &q); err == nil {
			resp["get"] = b.st.Get(q)
		}
	}
	if raw, ok := req["submit"]; ok {
		var spec types.JobSpec
		if err := json.Unmarshal(raw, &spec); err == nil {
			resp["submit"] = jobsOrFalse(b.st.Submit(&spec))
		} else {
			b.log.Warn("bad submit request", "error", err)
			resp["submit"] = map[string]any{}
		}
	}
	if raw, ok := req["job"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			resp["job"] = b.st.GetJob(id)
		}
	}
	if raw, ok := req["modify"]; ok {
		var mods map[string]types.Fields
		if err := json.Unmarshal(raw, &mods); err == nil {
			out := map[string]any{}
			for id, fields := range mods {
				out[id] = jobOrFalse(b.st.UpdateJob(id, fields))
			}
			resp["modify"] = out
		}
	}
	if raw, ok := req["kill"]; ok {
		var arg types.KillArg
		if err := json.Unmarshal(raw, &arg); err == nil {
			resp["kill"] = jobsOrFalse(b.st.Kill(arg))
		}
	}
	if raw, ok := req["ls"]; ok {
		var q types.Query
		if err := json.Unmarshal(raw, &q); err == nil {
			resp["ls"] = b.st.List(q)
		}
	}
	if _, ok := req["nodes"]; ok {
		resp["nodes"] = b.st.GetNodes()
	}
	if _, ok := req["pools"]; ok {
		resp["pools"] = b.st.GetPools()
	}
	if raw, ok := req["config"]; ok {
		var delta map[string]any
		if err := json.Unmarshal(raw, &delta); err == nil && len(delta) > 0 {
			b.cfgMu.Lock()
			b.cfg.Update(delta)
			b.cfgMu.Unlock()
			b.Reload()
		}
		b.cfgMu.Lock()
		resp["config"] = b.cfg.Copy()
		b.cfgMu.Unlock()
	}

	if raw, ok := req["options"]; ok {
		var opts struct {
			Pretty bool `json:"pretty"`
		}
		if err := json.Unmarshal(raw, &opts); err == nil && opts.Pretty {
			pretty, err := json.MarshalIndent(resp, "", "  ")
			if err == nil {
				return string(pretty)
			}
		}
	}
	return resp
}

// jobsOrFalse renders a submit/kill result: nil jobs become false on the
// wire.
func jobsOrFalse(jobs map[string]*types.Job) map[string]any {
	out := make(map[string]any, len(jobs))
	for id, j := range jobs {
		out[id] = jobOrFalse(j)
	}
	return out
}

func jobOrFalse(j *types.Job) any {
	if j == nil {
		return false
	}
	return j
}
